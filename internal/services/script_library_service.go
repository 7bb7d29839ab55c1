// internal/services/script_library_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

const (
	ScriptLibraryKey  = "gala_script_library"
	GeneratedPlotsKey = "gala_generated_plots"
)

// 不可删除的剧本ID
var protectedScriptIDs = map[string]bool{
	"default":          true,
	"preset_tsundere":  true,
	"preset_princess":  true,
	"preset_courtesan": true,
}

func presetTemplates() []models.ScriptTemplate {
	return []models.ScriptTemplate{
		{
			ID:          "preset_tsundere",
			Name:        "💕 傲娇青梅竹马",
			Description: "经典校园恋爱，从小一起长大的她对你有着说不出口的心意",
			Character: models.CharacterConfig{
				Name:         "雯曦",
				Personality:  "傲娇、害羞、嘴硬心软、暗恋主角多年却不敢表白",
				Appearance:   "长直黑发及腰、紫罗兰色眼眸、深蓝色水手服配红色领巾、白色过膝袜",
				Relationship: "从小一起长大的邻居青梅竹马，每天一起上下学",
			},
			Setting: "现代日本高中，樱花盛开的春天",
		},
		{
			ID:          "preset_princess",
			Name:        "👑 白金蔷薇：温柔公主的骑士誓约",
			Description: "温柔治愈的公主与忠诚骑士的爱情誓约，从守护到相爱的宫廷恋曲",
			Character: models.CharacterConfig{
				Name:         "艾琳娜",
				Personality:  "温柔治愈、善良体贴、脆弱敏感、在逆境中觉醒成长",
				Appearance:   "金色长卷发如流金、宝石蓝眼眸、白色镶金礼服",
				Relationship: "艾尔兰王国长公主，你是她的专属皇家骑士护卫",
			},
			Setting: "中世纪欧洲风格奇幻王国，魔法与剑的时代",
		},
		{
			ID:          "preset_courtesan",
			Name:        "🌸 古风绝世花魁",
			Description: "落魄书生与京城第一花魁的倾城之恋，风尘中寻觅真心",
			Character: models.CharacterConfig{
				Name:         "柳如烟",
				Personality:  "才情绝艳、看透世情却仍怀希望、外柔内刚、渴望一份真心相待",
				Appearance:   "乌发云鬓斜插玉簪、柳眉杏眼含情脉脉、绛红罗裙曳地、手执绣花团扇",
				Relationship: "京城醉月楼第一花魁，才艺双绝名动京城，你是赴京赶考的落魄书生",
			},
			Setting: "中国古代繁华京城，烟柳画桥风帘翠幕",
		},
	}
}

// IsPresetScript 预设剧本不可删除
func IsPresetScript(id string) bool {
	return protectedScriptIDs[id]
}

// PlotFrameworkPrompt 生成剧情框架的提示词
func PlotFrameworkPrompt(character models.CharacterConfig, setting string) string {
	return fmt.Sprintf(`请根据以下角色和设定，生成一个有趣的剧情框架：

角色名称：%s
角色性格：%s
角色外貌：%s
与主角关系：%s
故事背景：%s

请生成一个包含开端、发展、高潮、结局的简短剧情框架（约100字）。`,
		character.Name, character.Personality, character.Appearance, character.Relationship, setting)
}

// ScriptLibraryService 剧本库：预设剧本 + 用户剧本 + 已生成的剧情框架
type ScriptLibraryService struct {
	store     storage.KVStore
	generator NarrativeGenerator
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.Mutex
	// 同一剧本的剧情框架生成串行执行
	plotLocks *LockManager
}

// NewScriptLibraryService 创建剧本库；generator 可为 nil，此时不能生成剧情框架
func NewScriptLibraryService(store storage.KVStore, generator NarrativeGenerator, now func() time.Time, logger *zap.Logger) *ScriptLibraryService {
	if now == nil {
		now = time.Now
	}
	return &ScriptLibraryService{
		store:     store,
		generator: generator,
		now:       now,
		logger:    utils.OrNop(logger).Named("library"),
		plotLocks: NewLockManager(),
	}
}

// All 预设在前，用户剧本在后；预设剧本带上已生成的剧情框架
func (s *ScriptLibraryService) All(ctx context.Context) ([]models.ScriptTemplate, error) {
	plots, err := s.Plots(ctx)
	if err != nil {
		return nil, err
	}
	user, err := s.readUserScripts(ctx)
	if err != nil {
		return nil, err
	}

	out := presetTemplates()
	for i := range out {
		if plot, ok := plots[out[i].ID]; ok {
			out[i].PlotFramework = plot
		}
	}
	return append(out, user...), nil
}

// Get 按ID查找
func (s *ScriptLibraryService) Get(ctx context.Context, id string) (*models.ScriptTemplate, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("剧本不存在: %s", id), nil)
}

// Lookup 供预热使用
func (s *ScriptLibraryService) Lookup(ctx context.Context, id string) (models.ScriptTemplate, bool) {
	tpl, err := s.Get(ctx, id)
	if err != nil {
		return models.ScriptTemplate{}, false
	}
	return *tpl, true
}

// Create 新建用户剧本
func (s *ScriptLibraryService) Create(ctx context.Context, name string, character models.CharacterConfig, plotFramework, setting, description string) (*models.ScriptTemplate, error) {
	if name == "" || character.Name == "" {
		return nil, apperrors.NewValidationError("剧本名称和角色名称不能为空", nil)
	}
	tpl := models.ScriptTemplate{
		ID:            "script_" + uuid.NewString(),
		Name:          name,
		Description:   description,
		PlotFramework: plotFramework,
		Character:     character,
		Setting:       setting,
	}
	return s.Save(ctx, tpl)
}

// Save 新建或更新用户剧本；预设剧本只能更新剧情框架
func (s *ScriptLibraryService) Save(ctx context.Context, tpl models.ScriptTemplate) (*models.ScriptTemplate, error) {
	if tpl.ID == "" {
		return nil, apperrors.NewValidationError("剧本ID不能为空", nil)
	}
	if IsPresetScript(tpl.ID) {
		if err := s.SavePlot(ctx, tpl.ID, tpl.PlotFramework); err != nil {
			return nil, err
		}
		return s.Get(ctx, tpl.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scripts, err := s.readUserScripts(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	tpl.UpdatedAt = now

	found := false
	for i := range scripts {
		if scripts[i].ID == tpl.ID {
			tpl.CreatedAt = scripts[i].CreatedAt
			scripts[i] = tpl
			found = true
			break
		}
	}
	if !found {
		tpl.CreatedAt = now
		scripts = append(scripts, tpl)
	}

	if err := storage.WriteJSON(ctx, s.store, ScriptLibraryKey, scripts); err != nil {
		return nil, apperrors.NewStorageError("保存剧本失败", err)
	}
	return &tpl, nil
}

// Delete 删除用户剧本；预设剧本返回 false
func (s *ScriptLibraryService) Delete(ctx context.Context, id string) (bool, error) {
	if IsPresetScript(id) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scripts, err := s.readUserScripts(ctx)
	if err != nil {
		return false, err
	}
	kept := scripts[:0]
	removed := false
	for _, sc := range scripts {
		if sc.ID == id {
			removed = true
			continue
		}
		kept = append(kept, sc)
	}
	if !removed {
		return false, nil
	}
	if err := storage.WriteJSON(ctx, s.store, ScriptLibraryKey, kept); err != nil {
		return false, apperrors.NewStorageError("删除剧本失败", err)
	}
	return true, nil
}

// Plots 已生成的剧情框架
func (s *ScriptLibraryService) Plots(ctx context.Context) (map[string]string, error) {
	plots := map[string]string{}
	err := storage.ReadJSON(ctx, s.store, GeneratedPlotsKey, &plots)
	switch {
	case err == nil:
		return plots, nil
	case storage.IsAbsent(err):
		if errors.Is(err, storage.ErrCorrupt) {
			s.logger.Warn("剧情框架数据已损坏", zap.Error(err))
		}
		return map[string]string{}, nil
	default:
		return nil, apperrors.NewStorageError("读取剧情框架失败", err)
	}
}

// Plot 剧本的剧情框架，已生成的优先
func (s *ScriptLibraryService) Plot(ctx context.Context, id string) (string, error) {
	tpl, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return tpl.PlotFramework, nil
}

// HasGeneratedPlot 剧情框架长度超过 100 个字符视为已生成
func (s *ScriptLibraryService) HasGeneratedPlot(ctx context.Context, id string) bool {
	plots, err := s.Plots(ctx)
	if err != nil {
		return false
	}
	return len([]rune(plots[id])) > 100
}

// SavePlot 记录剧情框架
func (s *ScriptLibraryService) SavePlot(ctx context.Context, id, plot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plots, err := s.Plots(ctx)
	if err != nil {
		return err
	}
	plots[id] = plot
	if err := storage.WriteJSON(ctx, s.store, GeneratedPlotsKey, plots); err != nil {
		return apperrors.NewStorageError("保存剧情框架失败", err)
	}
	return nil
}

// ClearPlots 清除全部已生成的剧情框架
func (s *ScriptLibraryService) ClearPlots(ctx context.Context) error {
	if err := s.store.Remove(ctx, GeneratedPlotsKey); err != nil {
		return apperrors.NewStorageError("清除剧情框架失败", err)
	}
	return nil
}

// GeneratePlot 调用生成后端为剧本写剧情框架并保存
func (s *ScriptLibraryService) GeneratePlot(ctx context.Context, id string) (string, error) {
	if s.generator == nil {
		return "", apperrors.NewGenerationError("未配置生成后端", nil)
	}

	var plot string
	err := s.plotLocks.WithLock(ctx, id, func() error {
		tpl, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		plot, err = s.generator.GeneratePlotOutline(ctx, PlotFrameworkPrompt(tpl.Character, tpl.Setting))
		if err != nil {
			return err
		}
		plot = utils.CleanText(plot)

		if IsPresetScript(id) {
			return s.SavePlot(ctx, id, plot)
		}
		tpl.PlotFramework = plot
		_, err = s.Save(ctx, *tpl)
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("剧情框架已生成", zap.String("script_id", id), zap.Int("length", len([]rune(plot))))
	return plot, nil
}

func (s *ScriptLibraryService) readUserScripts(ctx context.Context) ([]models.ScriptTemplate, error) {
	var scripts []models.ScriptTemplate
	err := storage.ReadJSON(ctx, s.store, ScriptLibraryKey, &scripts)
	switch {
	case err == nil:
	case storage.IsAbsent(err):
		if errors.Is(err, storage.ErrCorrupt) {
			s.logger.Warn("剧本库数据已损坏", zap.Error(err))
		}
		return []models.ScriptTemplate{}, nil
	default:
		return nil, apperrors.NewStorageError("读取剧本库失败", err)
	}

	// 旧数据里的预设剧本以内置版本为准
	out := make([]models.ScriptTemplate, 0, len(scripts))
	for _, sc := range scripts {
		if !IsPresetScript(sc.ID) {
			out = append(out, sc)
		}
	}
	return out, nil
}
