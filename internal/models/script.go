// internal/models/script.go
package models

import (
	"fmt"
	"strings"
)

// ScriptDialogue 剧本中的一行台词
type ScriptDialogue struct {
	Speaker    string `json:"speaker,omitempty"`
	Text       string `json:"text"`
	Expression string `json:"expression,omitempty"`
	Type       string `json:"type,omitempty"` // cg | narrative
	CG         string `json:"cg,omitempty"`
}

// IsCG 是否为全屏 CG 插入
func (d ScriptDialogue) IsCG() bool {
	return d.Type == "cg"
}

// ScriptChoice 剧本选项，好感度变化为字面值
type ScriptChoice struct {
	Text            string    `json:"text"`
	Sentiment       Sentiment `json:"sentiment"`
	AffectionChange int       `json:"affectionChange"`
}

// ScriptEnding 结局描述
type ScriptEnding struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ScriptChapter 剧本章节
type ScriptChapter struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Background string           `json:"background"`
	Bgm        string           `json:"bgm"`
	Dialogues  []ScriptDialogue `json:"dialogues"`
	Choices    []ScriptChoice   `json:"choices,omitempty"`
	Ending     *ScriptEnding    `json:"ending,omitempty"`
}

// IsEnding 携带结局描述的章节即结局章节
func (c ScriptChapter) IsEnding() bool {
	return c.Ending != nil
}

// GameChoices 转换为展示用选项
func (c ScriptChapter) GameChoices() []GameChoice {
	if len(c.Choices) == 0 {
		return nil
	}
	out := make([]GameChoice, 0, len(c.Choices))
	for _, ch := range c.Choices {
		out = append(out, GameChoice{Text: ch.Text, Sentiment: NormalizeSentiment(string(ch.Sentiment))})
	}
	return out
}

// FullScript 完整的预置剧本
type FullScript struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Chapters []ScriptChapter `json:"chapters"`
}

// Validate 校验剧本结构
func (s *FullScript) Validate() error {
	if s == nil {
		return fmt.Errorf("剧本为空")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("剧本缺少ID")
	}
	if len(s.Chapters) == 0 {
		return fmt.Errorf("剧本 %s 没有章节", s.ID)
	}
	for i, ch := range s.Chapters {
		if len(ch.Dialogues) == 0 {
			return fmt.Errorf("剧本 %s 第 %d 章没有对话", s.ID, i+1)
		}
	}
	return nil
}

// CharacterConfig 女主角设定
type CharacterConfig struct {
	Name         string `json:"name"`
	Personality  string `json:"personality"`
	Appearance   string `json:"appearance"`
	Relationship string `json:"relationship"`
}

// ScriptTemplate 剧本库条目，生成模式以它为上下文
type ScriptTemplate struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	PlotFramework string          `json:"plotFramework"`
	Character     CharacterConfig `json:"character"`
	Setting       string          `json:"setting"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}
