// internal/utils/text_cleaner.go
package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/Corphon/GalNovelEngine/internal/models"
)

// 允许重复出现的字符，最多保留 3 个
var validReduplicated = map[rune]bool{}

func init() {
	for _, r := range "。！？….!?～~" +
		"哈呵嘿嗯啊呀哦噢呜咦" +
		"静慢悄偷轻默渐好刚仅常往" +
		"天年月日时分秒" +
		"一二三四五六七八九十百千万" {
		validReduplicated[r] = true
	}
}

type fixRule struct {
	from string
	to   string
	// 后一个字符不能是它，为空则不检查
	notFollowedBy string
}

// 重复字修复之前
var preFixRules = []fixRule{
	{from: "樱飞飞", to: "樱花飞"},
	{from: "樱飞散", to: "樱花飞散"},
	{from: "放后", to: "放学后"},
	{from: "回到到校", to: "回到学校"},
	{from: "到到校", to: "到学校"},
	{from: "谁你担心", to: "谁要你担心"},
}

// 重复字修复之后
var postFixRules = []fixRule{
	{from: "樱飞散的", to: "樱花飞散的"},
	{from: "樱花散的", to: "樱花飞散的"},
	{from: "樱花飞的", to: "樱花飞舞的"},
	{from: "樱飞散", to: "樱花飞散"},
	{from: "樱飞的", to: "樱花飞舞的"},
	{from: "樱飞舞", to: "樱花飞舞"},
	{from: "樱飞飞", to: "樱花飞"},
	{from: "天台风", to: "天台吹风", notFollowedBy: "景"},
	{from: "天台台风", to: "天台吹风"},
	{from: "在台吹风", to: "在天台吹风"},
	{from: "在台乘凉", to: "在天台乘凉"},
	{from: "只好回学校", to: "只好回到学校"},
	{from: "只好到学校", to: "只好回到学校"},
	{from: "好到学校", to: "好回到学校"},
	{from: "回学校", to: "回到学校"},
	{from: "回到校", to: "回到学校"},
	{from: "回到学取", to: "回到学校取"},
	{from: "到校取", to: "到学校取"},
}

// maxCleanPasses 规则替换可能制造新的匹配，最多重复这么多轮
const maxCleanPasses = 8

// CleanText 修复生成文本中的常见错误
// 纯函数且幂等，缓存读写两侧都会调用；重复清理直到文本不再变化
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	cleaned := norm.NFC.String(text)
	for i := 0; i < maxCleanPasses; i++ {
		next := cleanPass(cleaned)
		if next == cleaned {
			break
		}
		cleaned = next
	}
	return cleaned
}

func cleanPass(text string) string {
	cleaned := text
	for _, rule := range preFixRules {
		cleaned = rule.apply(cleaned)
	}

	cleaned = collapseRepeats(cleaned)

	for _, rule := range postFixRules {
		cleaned = rule.apply(cleaned)
	}

	// 括号不匹配
	if strings.Contains(cleaned, "）") && !strings.Contains(cleaned, "（") {
		cleaned = "（" + cleaned
	}

	return strings.TrimSpace(cleaned)
}

func (r fixRule) apply(s string) string {
	if r.notFollowedBy == "" {
		return strings.ReplaceAll(s, r.from, r.to)
	}

	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, r.from)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		after := rest[idx+len(r.from):]
		if strings.HasPrefix(after, r.notFollowedBy) {
			b.WriteString(r.from)
		} else {
			b.WriteString(r.to)
		}
		rest = after
	}
	return b.String()
}

// collapseRepeats 连续重复的汉字只保留一个；白名单字符最多保留 3 个
// 非汉字（字母、数字）不处理
func collapseRepeats(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(runes); {
		r := runes[i]
		j := i + 1
		for j < len(runes) && runes[j] == r {
			j++
		}
		run := j - i

		switch {
		case run == 1:
			b.WriteRune(r)
		case validReduplicated[r]:
			if run > 3 {
				run = 3
			}
			b.WriteString(strings.Repeat(string(r), run))
		case unicode.Is(unicode.Han, r):
			b.WriteRune(r)
		default:
			b.WriteString(string(runes[i:j]))
		}
		i = j
	}
	return b.String()
}

// CleanNode 清理一轮对话
func CleanNode(node models.DialogueNode) models.DialogueNode {
	node.Speaker = CleanText(node.Speaker)
	node.Dialogue = CleanText(node.Dialogue)
	node.Narrative = CleanText(node.Narrative)
	return node
}

// CleanBatch 返回清理后的副本
func CleanBatch(batch *models.BatchSceneData) *models.BatchSceneData {
	if batch == nil {
		return nil
	}
	out := batch.Clone()
	out.Narrative = CleanText(out.Narrative)
	for i := range out.DialogueSequence {
		out.DialogueSequence[i] = CleanNode(out.DialogueSequence[i])
	}
	for i := range out.Choices {
		out.Choices[i].Text = CleanText(out.Choices[i].Text)
	}
	return out
}
