// internal/services/session_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// 会话推送事件类型
const (
	EventState    = "state"
	EventScene    = "scene"
	EventChoices  = "choices"
	EventError    = "error"
	EventGameOver = "game_over"
	EventVoice    = "voice"
)

const sessionEventBuffer = 32

// SessionEvent 推送给展示层的事件
type SessionEvent struct {
	Type  string       `json:"type"`
	State SessionState `json:"state"`
	Voice *SpeechClip  `json:"voice,omitempty"`
}

// SessionState 会话快照
type SessionState struct {
	ID              string               `json:"id"`
	Mode            models.PlaybackMode  `json:"mode,omitempty"`
	ScriptID        string               `json:"scriptId,omitempty"`
	ScriptName      string               `json:"scriptName,omitempty"`
	CharacterName   string               `json:"characterName,omitempty"`
	Started         bool                 `json:"started"`
	Scene           *models.SceneData    `json:"scene,omitempty"`
	Choices         []models.GameChoice  `json:"choices"`
	ChoicesVisible  bool                 `json:"choicesVisible"`
	Affection       int                  `json:"affection"`
	Turn            int                  `json:"turn"`
	ChapterIndex    int                  `json:"chapterIndex"`
	DialogueIndex   int                  `json:"dialogueIndex"`
	IsEndingChapter bool                 `json:"isEndingChapter"`
	Ending          *models.ScriptEnding `json:"ending,omitempty"`
	Loading         bool                 `json:"loading"`
	Paused          bool                 `json:"paused"`
	Typing          bool                 `json:"typing"`
	VoiceEnabled    bool                 `json:"voiceEnabled"`
	VoicePlaying    bool                 `json:"voicePlaying"`
	AutoPlay        bool                 `json:"autoPlay"`
	GameOver        bool                 `json:"gameOver"`
	Error           string               `json:"error,omitempty"`
	CanRetry        bool                 `json:"canRetry"`
	HistoryLength   int                  `json:"historyLength"`
	Record          *models.GameRecord   `json:"record,omitempty"`
}

// ScriptSource 剧本来源
type ScriptSource interface {
	LoadScript(ctx context.Context, id string) (*models.FullScript, error)
}

// SessionDeps 会话依赖；除 Generator / Scripts 外都可为空
type SessionDeps struct {
	Generator NarrativeGenerator
	Cache     *BranchCacheService
	Scripts   ScriptSource
	Templates TemplateLookup
	Saves     *SaveService
	Records   *GameRecordService
	Speech    SpeechSynthesizer
	Logger    *zap.Logger
	Metrics   *utils.EngineMetrics
	Now       func() time.Time
	AfterFunc AfterFunc
}

// NarrativeSession 一局游戏的状态与全部玩家意图
// 生成请求期间不持有锁，返回时以生成令牌判断结果是否过期
type NarrativeSession struct {
	id      string
	deps    SessionDeps
	logger  *zap.Logger
	metrics *utils.EngineMetrics

	mu       sync.Mutex
	pb       playback
	batchPB  *batchPlayback
	scriptPB *scriptPlayback
	history  *HistoryLog
	autoplay *AutoPlayScheduler

	tpl           *models.ScriptTemplate
	script        *models.FullScript
	scriptID      string
	scriptName    string
	characterName string

	started        bool
	scene          *models.SceneData
	choicesVisible bool
	affection      int
	turn           int
	loading        bool
	paused         bool
	typing         bool
	voiceEnabled   bool
	voicePlaying   bool
	gameOver       bool
	endingChapter  bool
	ending         *models.ScriptEnding
	lastError      string
	retry          func(ctx context.Context) error
	record         *models.GameRecord
	token          uint64
	lastActive     time.Time
	closed         bool

	subMu       sync.Mutex
	subscribers map[chan SessionEvent]struct{}
}

// NewNarrativeSession 创建会话
func NewNarrativeSession(id string, deps SessionDeps) *NarrativeSession {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Speech == nil {
		deps.Speech = NoopSpeech{}
	}
	s := &NarrativeSession{
		id:          id,
		deps:        deps,
		logger:      utils.OrNop(deps.Logger).Named("session").With(zap.String("session_id", id)),
		metrics:     deps.Metrics,
		batchPB:     newBatchPlayback(),
		scriptPB:    newScriptPlayback(),
		history:     NewHistoryLog(),
		affection:   models.AffectionInitial,
		lastActive:  deps.Now(),
		subscribers: make(map[chan SessionEvent]struct{}),
	}
	s.autoplay = NewAutoPlayScheduler(s.autoAdvance, deps.AfterFunc)
	return s
}

func (s *NarrativeSession) ID() string { return s.id }

// LastActive 最近一次状态变化
func (s *NarrativeSession) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// StartGenerated 以剧本库条目开始生成模式；优先使用缓存的第一幕
func (s *NarrativeSession) StartGenerated(ctx context.Context, tpl models.ScriptTemplate) (SessionState, error) {
	s.mu.Lock()
	s.resetLocked()
	s.pb = s.batchPB
	t := tpl
	s.tpl = &t
	s.scriptID, s.scriptName, s.characterName = tpl.ID, tpl.Name, tpl.Character.Name
	token := s.beginLoadingLocked()
	s.publishLocked(EventState)
	s.mu.Unlock()

	s.logger.Info("开始生成模式", zap.String("script_id", tpl.ID))
	batch, err := s.fetchInitial(ctx, tpl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(token, "act") {
		return s.stateLocked(), nil
	}
	s.loading = false
	if err != nil {
		s.failLocked("游戏启动失败，请重试。", err, func(ctx context.Context) error {
			_, err := s.StartGenerated(ctx, tpl)
			return err
		})
		return s.stateLocked(), err
	}

	s.started = true
	s.turn = 1
	s.applyBatchLocked(ctx, batch, false)
	return s.stateLocked(), nil
}

// StartScript 载入预置剧本并从第一章开始
func (s *NarrativeSession) StartScript(ctx context.Context, scriptID string) (SessionState, error) {
	s.mu.Lock()
	s.resetLocked()
	token := s.beginLoadingLocked()
	s.publishLocked(EventState)
	s.mu.Unlock()

	script, err := s.loadScript(ctx, scriptID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(token, "script") {
		return s.stateLocked(), nil
	}
	s.loading = false
	if err != nil {
		s.failLocked(fmt.Sprintf("剧本加载失败: %s", scriptID), err, func(ctx context.Context) error {
			_, err := s.StartScript(ctx, scriptID)
			return err
		})
		return s.stateLocked(), err
	}

	scene, err := s.scriptPB.player.Start(script, 0, 0)
	if err != nil {
		s.failLocked(fmt.Sprintf("剧本加载失败: %s", scriptID), err, nil)
		return s.stateLocked(), apperrors.NewScriptLoadError("剧本无法播放", err)
	}

	s.pb = s.scriptPB
	s.script = script
	s.bindScriptIdentityLocked(ctx, script, "")
	s.started = true
	s.turn = 1
	s.updateChapterLocked()
	s.showSceneLocked(scene)
	s.logger.Info("开始剧本模式", zap.String("script_id", script.ID), zap.Int("chapters", len(script.Chapters)))

	if s.scriptPB.choicesPending() {
		s.choicesVisible = true
		s.publishLocked(EventChoices)
	} else {
		s.publishLocked(EventScene)
	}
	return s.stateLocked(), nil
}

// Advance 推进一句；加载中、选项展示中、暂停或已结束时不做任何事
func (s *NarrativeSession) Advance(ctx context.Context) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(ctx)
}

// autoAdvance 自动播放定时器回调；持锁后按完整条件再判断一次
func (s *NarrativeSession) autoAdvance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conditionsLocked().Suspended() {
		return
	}
	if _, err := s.advanceLocked(context.Background()); err != nil {
		s.logger.Debug("自动播放推进失败", zap.Error(err))
	}
}

func (s *NarrativeSession) advanceLocked(ctx context.Context) (SessionState, error) {
	if !s.started || s.loading || s.choicesVisible || s.gameOver || s.paused || s.closed {
		return s.stateLocked(), nil
	}

	scene, sig := s.pb.Advance()
	switch sig {
	case SignalScene:
		if s.pb.Mode() == models.ModeScript {
			s.turn++
		}
		s.showSceneLocked(scene)
		s.publishLocked(EventScene)
	case SignalChoicesReady:
		s.turn++
		s.showSceneLocked(scene)
		s.choicesVisible = true
		s.publishLocked(EventChoices)
	case SignalChapterExhausted:
		if err := s.exhaustedLocked(ctx); err != nil {
			return s.stateLocked(), err
		}
	}
	return s.stateLocked(), nil
}

// SelectChoice 选择第 i 个选项
func (s *NarrativeSession) SelectChoice(ctx context.Context, index int) (SessionState, error) {
	s.mu.Lock()
	if !s.started || s.gameOver || !s.choicesVisible || s.loading {
		s.mu.Unlock()
		return s.State(), apperrors.NewValidationError("当前没有可选的选项", nil)
	}
	choices := s.pb.Choices()
	if index < 0 || index >= len(choices) {
		s.mu.Unlock()
		return s.State(), apperrors.NewValidationError(fmt.Sprintf("选项下标越界: %d", index), nil)
	}

	if s.pb.Mode() == models.ModeScript {
		defer s.mu.Unlock()
		s.choicesVisible = false
		err := s.enterNextChapterLocked(ctx, index)
		return s.stateLocked(), err
	}

	choice := choices[index]
	s.choicesVisible = false
	token := s.beginLoadingLocked()
	gc := NewGenerationContext(*s.tpl, s.affection, s.turn)
	if b := s.batchPB.batch(); b != nil {
		gc.PreviousNarrative = b.Narrative
	}
	// 只有第一幕的分支与预加载的键一致
	useCache := s.turn == 1
	scriptID := s.scriptID
	s.publishLocked(EventState)
	s.mu.Unlock()

	s.logger.Info("玩家选择", zap.String("choice", choice.Text), zap.String("sentiment", string(choice.Sentiment)))
	batch, err := s.fetchBranch(ctx, scriptID, gc, choice, useCache)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(token, "branch") {
		return s.stateLocked(), nil
	}
	s.loading = false
	if err != nil {
		s.choicesVisible = true
		s.failLocked("加载下一幕失败。", err, func(ctx context.Context) error {
			_, err := s.SelectChoice(ctx, index)
			return err
		})
		return s.stateLocked(), err
	}

	s.turn++
	s.applyBatchLocked(ctx, batch, true)
	return s.stateLocked(), nil
}

// Pause 暂停
func (s *NarrativeSession) Pause() SessionState {
	return s.setFlag(func() { s.paused = true })
}

// Resume 继续
func (s *NarrativeSession) Resume() SessionState {
	return s.setFlag(func() { s.paused = false })
}

// SetTyping 展示层逐字显示的开始与结束
func (s *NarrativeSession) SetTyping(typing bool) SessionState {
	return s.setFlag(func() { s.typing = typing })
}

// SetVoicePlaying 语音播放状态，影响自动播放节奏
func (s *NarrativeSession) SetVoicePlaying(playing bool) SessionState {
	return s.setFlag(func() { s.voicePlaying = playing })
}

// SetVoiceEnabled 开关角色语音
func (s *NarrativeSession) SetVoiceEnabled(enabled bool) SessionState {
	return s.setFlag(func() { s.voiceEnabled = enabled })
}

// ToggleAutoPlay 切换自动播放
func (s *NarrativeSession) ToggleAutoPlay() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoplay.Toggle()
	s.publishLocked(EventState)
	return s.stateLocked()
}

func (s *NarrativeSession) setFlag(apply func()) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply()
	s.publishLocked(EventState)
	return s.stateLocked()
}

// Save 保存到指定槽位；槽位越界属于调用方错误
func (s *NarrativeSession) Save(ctx context.Context, slot int) (*models.SaveData, error) {
	s.mu.Lock()
	snap, err := s.snapshotLocked()
	scriptID := s.scriptID
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.deps.Saves == nil {
		return nil, apperrors.NewProcessingError("存档服务不可用", nil)
	}
	return s.deps.Saves.Save(ctx, scriptID, slot, snap)
}

// QuickSave 保存到最近使用的槽位
func (s *NarrativeSession) QuickSave(ctx context.Context) (*models.SaveData, error) {
	s.mu.Lock()
	snap, err := s.snapshotLocked()
	scriptID := s.scriptID
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.deps.Saves == nil {
		return nil, apperrors.NewProcessingError("存档服务不可用", nil)
	}
	return s.deps.Saves.QuickSave(ctx, scriptID, snap)
}

// Load 读档；进行中的生成请求随之作废
func (s *NarrativeSession) Load(ctx context.Context, scriptID string, slot int) (SessionState, error) {
	if s.deps.Saves == nil {
		return s.State(), apperrors.NewProcessingError("存档服务不可用", nil)
	}
	data, ok, err := s.deps.Saves.Load(ctx, scriptID, slot)
	if err != nil {
		return s.State(), err
	}
	if !ok {
		return s.State(), apperrors.NewNotFoundError(fmt.Sprintf("存档不存在: %s", models.SaveID(scriptID, slot)), nil)
	}
	if data.ChapterIndex < 0 || data.DialogueIndex < 0 {
		return s.State(), apperrors.NewValidationError("存档坐标无效", nil)
	}

	if data.Mode == models.ModeGenerated {
		return s.restoreGenerated(ctx, data)
	}
	return s.restoreScript(ctx, data)
}

func (s *NarrativeSession) restoreScript(ctx context.Context, data *models.SaveData) (SessionState, error) {
	script, err := s.loadScript(ctx, data.ScriptID)
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	player := NewScriptPlayer()
	scene, err := player.Start(script, data.ChapterIndex, data.DialogueIndex)
	if err != nil {
		return s.stateLocked(), err
	}

	s.resetLocked()
	s.scriptPB.player = player
	s.pb = s.scriptPB
	s.script = script
	s.bindScriptIdentityLocked(ctx, script, data.CharacterName)
	s.restoreProgressLocked(data)
	s.updateChapterLocked()
	s.showSceneLocked(scene)
	s.choicesVisible = s.scriptPB.choicesPending()
	s.logger.Info("读档", zap.String("script_id", data.ScriptID), zap.Int("slot", data.SlotIndex))
	s.publishLocked(EventScene)
	return s.stateLocked(), nil
}

func (s *NarrativeSession) restoreGenerated(ctx context.Context, data *models.SaveData) (SessionState, error) {
	if data.Batch == nil {
		return s.State(), apperrors.NewScriptLoadError("存档缺少剧情数据", nil)
	}
	tpl := models.ScriptTemplate{
		ID:        data.ScriptID,
		Name:      data.ScriptName,
		Character: models.CharacterConfig{Name: data.CharacterName},
	}
	if s.deps.Templates != nil {
		if found, ok := s.deps.Templates(ctx, data.ScriptID); ok {
			tpl = found
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.pb = s.batchPB
	s.tpl = &tpl
	s.scriptID, s.scriptName, s.characterName = tpl.ID, tpl.Name, tpl.Character.Name
	if s.characterName == "" {
		s.characterName = data.CharacterName
	}
	s.restoreProgressLocked(data)

	scene, ok := s.batchPB.load(data.Batch)
	if ok {
		if seeked, found := s.batchPB.queue.Seek(data.DialogueIndex); found {
			scene = seeked
		}
	} else if data.Scene != nil {
		scene = data.Scene.Clone()
	}
	s.showSceneLocked(scene)
	s.logger.Info("读档", zap.String("script_id", data.ScriptID), zap.Int("slot", data.SlotIndex))
	s.publishLocked(EventScene)
	return s.stateLocked(), nil
}

func (s *NarrativeSession) restoreProgressLocked(data *models.SaveData) {
	s.started = true
	s.affection = models.ClampAffection(data.Affection)
	s.turn = data.Turn
	if s.scriptName == "" {
		s.scriptName = data.ScriptName
	}
}

// JumpToHistory 回到历史中的某一句，仅剧本模式可用
func (s *NarrativeSession) JumpToHistory(index int) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.pb == nil {
		return s.stateLocked(), apperrors.NewRollbackRejectedError("游戏尚未开始")
	}
	if s.loading {
		return s.stateLocked(), apperrors.NewRollbackRejectedError("加载中不能回跳")
	}

	chapter, dialogue, err := s.history.ResolveJump(index, s.pb.Mode())
	if err != nil {
		s.metrics.HistoryJump(false)
		return s.stateLocked(), err
	}
	scene, err := s.scriptPB.player.Start(s.script, chapter, dialogue)
	if err != nil {
		s.metrics.HistoryJump(false)
		return s.stateLocked(), apperrors.NewRollbackRejectedError(err.Error())
	}

	s.history.TruncateTo(index)
	s.history.Append(scene)
	clone := scene.Clone()
	s.scene = &clone
	s.gameOver = false
	s.updateChapterLocked()
	s.choicesVisible = s.scriptPB.choicesPending()
	s.metrics.HistoryJump(true)
	s.logger.Info("历史回跳", zap.Int("index", index), zap.Int("chapter", chapter), zap.Int("dialogue", dialogue))
	s.publishLocked(EventScene)
	return s.stateLocked(), nil
}

// ReturnToTitle 回到标题；进行中的生成结果将被丢弃
func (s *NarrativeSession) ReturnToTitle() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.publishLocked(EventState)
	return s.stateLocked()
}

// Retry 重试上一次失败的操作
func (s *NarrativeSession) Retry(ctx context.Context) (SessionState, error) {
	s.mu.Lock()
	retry := s.retry
	s.retry = nil
	s.mu.Unlock()

	if retry == nil {
		return s.State(), apperrors.NewValidationError("没有可重试的操作", nil)
	}
	err := retry(ctx)
	return s.State(), err
}

// History 已显示场景
func (s *NarrativeSession) History() []models.SceneData {
	return s.history.Entries()
}

// State 当前快照
func (s *NarrativeSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Subscribe 订阅会话事件，立即收到一次当前状态
func (s *NarrativeSession) Subscribe() (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, sessionEventBuffer)
	ch <- SessionEvent{Type: EventState, State: s.State()}

	s.subMu.Lock()
	if s.subscribers == nil {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

// Close 停止自动播放并关闭全部订阅
func (s *NarrativeSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.token++
	s.mu.Unlock()
	s.autoplay.Stop()

	s.subMu.Lock()
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.subMu.Unlock()
}

// ---- 内部 ----

func (s *NarrativeSession) resetLocked() {
	s.token++
	s.pb = nil
	s.batchPB.Reset()
	s.scriptPB.Reset()
	s.history.Reset()
	s.tpl = nil
	s.script = nil
	s.scriptID, s.scriptName, s.characterName = "", "", ""
	s.started = false
	s.scene = nil
	s.choicesVisible = false
	s.affection = models.AffectionInitial
	s.turn = 0
	s.loading = false
	s.paused = false
	s.typing = false
	s.gameOver = false
	s.endingChapter = false
	s.ending = nil
	s.lastError = ""
	s.retry = nil
	s.record = nil
}

func (s *NarrativeSession) beginLoadingLocked() uint64 {
	s.token++
	s.loading = true
	s.lastError = ""
	s.retry = nil
	return s.token
}

// staleLocked 令牌已变化说明玩家已离开发起请求时的上下文
func (s *NarrativeSession) staleLocked(token uint64, kind string) bool {
	if token == s.token && !s.closed {
		return false
	}
	s.metrics.StaleResponse()
	s.logger.Debug("丢弃过期的结果", zap.String("kind", kind), zap.Uint64("token", token), zap.Uint64("current", s.token))
	return true
}

func (s *NarrativeSession) failLocked(message string, err error, retry func(ctx context.Context) error) {
	s.lastError = message
	s.retry = retry
	s.logger.Warn(message, zap.Error(err))
	s.publishLocked(EventError)
}

func (s *NarrativeSession) showSceneLocked(scene models.SceneData) {
	clone := scene.Clone()
	s.scene = &clone
	s.history.Append(scene)
	s.speakLocked(scene)
}

// speakLocked 角色台词异步合成语音，失败不影响推进
func (s *NarrativeSession) speakLocked(scene models.SceneData) {
	if !s.voiceEnabled || scene.Dialogue == "" || scene.IsCG {
		return
	}
	if scene.Speaker != s.characterName || s.characterName == "" {
		return
	}
	token := s.token
	text := scene.Dialogue
	go func() {
		clip, err := s.deps.Speech.Synthesize(context.Background(), text)
		if err != nil || clip == nil {
			return
		}
		s.mu.Lock()
		if token != s.token || s.closed {
			s.mu.Unlock()
			return
		}
		state := s.stateLocked()
		s.mu.Unlock()
		s.broadcast(SessionEvent{Type: EventVoice, State: state, Voice: clip})
	}()
}

func (s *NarrativeSession) applyBatchLocked(ctx context.Context, batch *models.BatchSceneData, applyDelta bool) {
	if applyDelta {
		s.affection = models.ApplyAffection(s.affection, batch.AffectionChange)
	}
	if scene, ok := s.batchPB.load(batch); ok {
		s.showSceneLocked(scene)
		s.publishLocked(EventScene)
		return
	}
	// 空序列：直接结局或直接给出选项
	if batch.IsGameOver || !batch.HasChoices() {
		s.finishLocked(ctx, s.generatedEndScene(batch))
		return
	}
	s.choicesVisible = true
	s.publishLocked(EventChoices)
}

func (s *NarrativeSession) exhaustedLocked(ctx context.Context) error {
	if s.pb.Mode() == models.ModeGenerated {
		batch := s.batchPB.batch()
		if batch.IsGameOver || !batch.HasChoices() {
			s.finishLocked(ctx, s.generatedEndScene(batch))
			return nil
		}
		s.choicesVisible = true
		s.publishLocked(EventChoices)
		return nil
	}

	if len(s.pb.Choices()) > 0 {
		s.choicesVisible = true
		s.publishLocked(EventChoices)
		return nil
	}
	// 没有选项的章节直接进入下一章
	return s.enterNextChapterLocked(ctx, -1)
}

func (s *NarrativeSession) enterNextChapterLocked(ctx context.Context, choiceIndex int) error {
	outcome, err := s.scriptPB.player.SelectChoice(choiceIndex)
	if err != nil {
		if choiceIndex >= 0 {
			s.choicesVisible = true
		}
		return err
	}
	s.affection = models.ApplyAffection(s.affection, outcome.AffectionDelta)

	if outcome.StoryCompleted {
		closing := outcome.Scene
		if s.scene != nil && s.scene.Background != "" {
			closing.Background = s.scene.Background
		}
		s.finishLocked(ctx, closing)
		return nil
	}

	s.turn++
	s.updateChapterLocked()
	if outcome.IsEndingChapter && outcome.Ending != nil {
		s.logger.Info("进入结局章节", zap.String("ending", outcome.Ending.Title))
	}
	s.showSceneLocked(outcome.Scene)
	if s.scriptPB.choicesPending() {
		s.choicesVisible = true
		s.publishLocked(EventChoices)
	} else {
		s.publishLocked(EventScene)
	}
	return nil
}

func (s *NarrativeSession) updateChapterLocked() {
	ch, ok := s.scriptPB.player.CurrentChapter()
	if !ok {
		s.endingChapter, s.ending = false, nil
		return
	}
	s.endingChapter = ch.IsEnding()
	s.ending = ch.Ending
}

func (s *NarrativeSession) generatedEndScene(batch *models.BatchSceneData) models.SceneData {
	scene := models.SceneData{
		Narrative:  "故事结束了...",
		Speaker:    models.NarratorName,
		Dialogue:   "感谢您的游玩。",
		Expression: models.ExpressionNeutral,
		Background: models.BackgroundSchoolRooftop,
		Bgm:        models.BgmSad,
		Choices:    []models.GameChoice{},
		IsGameOver: true,
	}
	if batch != nil {
		if batch.Narrative != "" && len(batch.DialogueSequence) == 0 {
			scene.Narrative = batch.Narrative
		}
		if batch.Background != "" {
			scene.Background = batch.Background
		}
		scene.AffectionChange = batch.AffectionChange
	}
	if s.scene != nil && s.scene.Background != "" {
		scene.Background = s.scene.Background
	}
	return scene
}

// finishLocked 展示结局画面并写入一次通关记录
func (s *NarrativeSession) finishLocked(ctx context.Context, scene models.SceneData) {
	scene.IsGameOver = true
	s.gameOver = true
	s.choicesVisible = false
	s.showSceneLocked(scene)

	if s.record == nil && s.deps.Records != nil {
		rec, err := s.deps.Records.Save(ctx, models.GameRecord{
			ScriptID:       s.scriptID,
			ScriptName:     s.scriptName,
			CharacterName:  s.characterName,
			FinalAffection: s.affection,
			TurnsPlayed:    s.turn,
		})
		if err != nil {
			s.logger.Warn("写入通关记录失败", zap.Error(err))
		} else {
			s.record = rec
		}
	}
	s.logger.Info("游戏结束", zap.String("script_id", s.scriptID), zap.Int("affection", s.affection), zap.Int("turn", s.turn))
	s.publishLocked(EventGameOver)
}

func (s *NarrativeSession) bindScriptIdentityLocked(ctx context.Context, script *models.FullScript, fallbackCharacter string) {
	s.scriptID = script.ID
	s.scriptName = script.Title
	s.characterName = fallbackCharacter
	if s.deps.Templates == nil {
		return
	}
	if tpl, ok := s.deps.Templates(ctx, script.ID); ok {
		s.characterName = tpl.Character.Name
		if s.scriptName == "" {
			s.scriptName = tpl.Name
		}
	}
}

func (s *NarrativeSession) snapshotLocked() (models.SaveData, error) {
	if !s.started || s.scene == nil || s.loading || s.pb == nil {
		return models.SaveData{}, apperrors.NewValidationError("当前没有可保存的进度", nil)
	}
	chapter, dialogue := s.pb.Position()
	scene := s.scene.Clone()
	snap := models.SaveData{
		ScriptName:    s.scriptName,
		Mode:          s.pb.Mode(),
		ChapterIndex:  chapter,
		DialogueIndex: dialogue,
		Affection:     s.affection,
		Turn:          s.turn,
		CharacterName: s.characterName,
		Expression:    scene.Expression,
		Background:    scene.Background,
		Bgm:           scene.Bgm,
		PreviewText:   previewText(scene),
		ThumbnailBg:   string(scene.Background),
		Scene:         &scene,
	}
	if snap.Mode == models.ModeGenerated {
		snap.Batch = s.batchPB.batch()
	}
	return snap, nil
}

const previewLimit = 40

func previewText(scene models.SceneData) string {
	text := scene.Dialogue
	if text == "" || text == "..." {
		text = scene.Narrative
	}
	if scene.Speaker != "" && scene.Speaker != models.NarratorName && scene.Dialogue != "" {
		text = scene.Speaker + "：" + text
	}
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "..."
	}
	return text
}

func (s *NarrativeSession) conditionsLocked() AutoPlayConditions {
	cond := AutoPlayConditions{
		Typing:         s.typing,
		Loading:        s.loading || !s.started,
		ChoicesVisible: s.choicesVisible,
		Paused:         s.paused || s.closed,
		GameOver:       s.gameOver,
		VoicePlaying:   s.voicePlaying,
	}
	if s.scene != nil {
		cond.TextLength = len([]rune(s.scene.Dialogue))
	}
	return cond
}

func (s *NarrativeSession) stateLocked() SessionState {
	st := SessionState{
		ID:              s.id,
		ScriptID:        s.scriptID,
		ScriptName:      s.scriptName,
		CharacterName:   s.characterName,
		Started:         s.started,
		Choices:         []models.GameChoice{},
		ChoicesVisible:  s.choicesVisible,
		Affection:       s.affection,
		Turn:            s.turn,
		IsEndingChapter: s.endingChapter,
		Ending:          s.ending,
		Loading:         s.loading,
		Paused:          s.paused,
		Typing:          s.typing,
		VoiceEnabled:    s.voiceEnabled,
		VoicePlaying:    s.voicePlaying,
		AutoPlay:        s.autoplay.Enabled(),
		GameOver:        s.gameOver,
		Error:           s.lastError,
		CanRetry:        s.retry != nil,
		HistoryLength:   s.history.Len(),
		Record:          s.record,
	}
	if s.pb != nil {
		st.Mode = s.pb.Mode()
		st.ChapterIndex, st.DialogueIndex = s.pb.Position()
		if s.choicesVisible {
			st.Choices = s.pb.Choices()
		}
	}
	if s.scene != nil {
		scene := s.scene.Clone()
		st.Scene = &scene
	}
	return st
}

// publishLocked 重新计算自动播放并推送事件
func (s *NarrativeSession) publishLocked(eventType string) {
	s.lastActive = s.deps.Now()
	s.autoplay.Update(s.conditionsLocked())
	s.broadcast(SessionEvent{Type: eventType, State: s.stateLocked()})
}

// broadcast 订阅者来不及消费时丢弃事件
func (s *NarrativeSession) broadcast(evt SessionEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *NarrativeSession) loadScript(ctx context.Context, scriptID string) (*models.FullScript, error) {
	if s.deps.Scripts == nil {
		return nil, apperrors.NewScriptLoadError("剧本来源不可用", nil)
	}
	return s.deps.Scripts.LoadScript(ctx, scriptID)
}

func (s *NarrativeSession) fetchInitial(ctx context.Context, tpl models.ScriptTemplate) (*models.BatchSceneData, error) {
	if s.deps.Cache != nil {
		if batch, ok := s.deps.Cache.Get(ctx, tpl.ID); ok {
			s.logger.Info("使用缓存的第一幕", zap.String("script_id", tpl.ID))
			return batch, nil
		}
	}
	if s.deps.Generator == nil {
		return nil, apperrors.NewGenerationError("未配置生成后端", nil)
	}

	batch, err := s.deps.Generator.GenerateInitialBatch(ctx, NewGenerationContext(tpl, models.AffectionInitial, 0))
	if err != nil {
		return nil, asGenerationError("生成第一幕失败", err)
	}
	batch = utils.CleanBatch(batch)
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, tpl.ID, batch); err != nil {
			s.logger.Warn("缓存第一幕失败", zap.Error(err))
		}
	}
	return batch, nil
}

func (s *NarrativeSession) fetchBranch(ctx context.Context, scriptID string, gc GenerationContext, choice models.GameChoice, useCache bool) (*models.BatchSceneData, error) {
	if useCache && s.deps.Cache != nil {
		if batch, ok := s.deps.Cache.GetBranch(ctx, scriptID, choice.Text); ok {
			return batch, nil
		}
	}
	if s.deps.Generator == nil {
		return nil, apperrors.NewGenerationError("未配置生成后端", nil)
	}

	batch, err := s.deps.Generator.GenerateBranch(ctx, gc, choice.Text, choice.Sentiment)
	if err != nil {
		return nil, asGenerationError("生成分支失败", err)
	}
	batch = utils.CleanBatch(batch)
	if useCache && s.deps.Cache != nil {
		if err := s.deps.Cache.PutBranch(ctx, scriptID, choice.Text, batch); err != nil {
			s.logger.Warn("缓存分支失败", zap.Error(err))
		}
	}
	return batch, nil
}

func asGenerationError(message string, err error) error {
	if apperrors.IsGenerationError(err) {
		return err
	}
	return apperrors.NewGenerationError(message, err)
}
