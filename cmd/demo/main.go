// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/Corphon/GalNovelEngine/internal/app"
	"github.com/Corphon/GalNovelEngine/internal/config"
	"github.com/Corphon/GalNovelEngine/internal/di"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/services"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

const cliBoxMaxWidth = 72

var (
	modeFlag    = flag.String("mode", "script", "游玩模式: script 或 generated")
	scriptFlag  = flag.String("script", "", "剧本ID；为空时列出可用剧本")
	choicesFlag = flag.String("choices", "", "预设选项序号，逗号分隔，如 0,1,0")
	autoFlag    = flag.Bool("auto", false, "预设选项用完后总是选第一个，不读取输入")
	verboseFlag = flag.Bool("verbose", false, "输出服务日志")
)

func main() {
	flag.Parse()
	fmt.Println("🎀 GalNovelEngine Console")
	fmt.Println("=================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	cfg.WarmupEnabled = false

	logger := zap.NewNop()
	if *verboseFlag {
		if logger, err = utils.NewLogger(utils.LogConfig{Level: "debug", Encoding: "console"}); err != nil {
			log.Fatalf("❌ 初始化日志失败: %v", err)
		}
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	defer application.Shutdown(context.Background())

	if *scriptFlag == "" {
		listScripts(ctx, application.Container())
		return
	}

	sessions := di.MustResolve[*services.SessionManager](application.Container(), "sessions")
	session := sessions.Create()
	defer sessions.Close(session.ID())

	player := &consolePlayer{
		session: session,
		picks:   parsePicks(*choicesFlag),
		auto:    *autoFlag,
		in:      bufio.NewScanner(os.Stdin),
	}
	if err := player.start(ctx, application.Container()); err != nil {
		log.Fatalf("❌ 开始游戏失败: %v", err)
	}
	player.run(ctx)
}

// listScripts 打印剧本文件与剧本库
func listScripts(ctx context.Context, c *di.Container) {
	loader := di.MustResolve[*services.ScriptLoader](c, "scripts")
	files, err := loader.Available()
	if err != nil {
		log.Printf("⚠️ 读取剧本目录失败: %v", err)
	}
	fmt.Println("剧本文件 (-mode script):")
	for _, id := range files {
		fmt.Printf("  - %s\n", id)
	}

	library := di.MustResolve[*services.ScriptLibraryService](c, "library")
	templates, err := library.All(ctx)
	if err != nil {
		log.Printf("⚠️ 读取剧本库失败: %v", err)
		return
	}
	fmt.Println("剧本库 (-mode generated):")
	for _, tpl := range templates {
		fmt.Printf("  - %s  %s（%s）\n", tpl.ID, tpl.Name, tpl.Character.Name)
	}
}

func parsePicks(raw string) []int {
	var picks []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			log.Fatalf("❌ 无效的选项序号: %q", part)
		}
		picks = append(picks, n)
	}
	return picks
}

// consolePlayer 在终端里驱动一个会话
type consolePlayer struct {
	session *services.NarrativeSession
	picks   []int
	auto    bool
	in      *bufio.Scanner
	shown   int
}

func (p *consolePlayer) start(ctx context.Context, c *di.Container) error {
	var (
		state services.SessionState
		err   error
	)
	switch models.PlaybackMode(*modeFlag) {
	case models.ModeScript:
		state, err = p.session.StartScript(ctx, *scriptFlag)
	case models.ModeGenerated:
		library := di.MustResolve[*services.ScriptLibraryService](c, "library")
		tpl, lerr := library.Get(ctx, *scriptFlag)
		if lerr != nil {
			return lerr
		}
		fmt.Println("⏳ 正在生成第一幕...")
		state, err = p.session.StartGenerated(ctx, *tpl)
	default:
		return fmt.Errorf("未知模式: %s", *modeFlag)
	}
	if err != nil {
		return err
	}
	p.render(state)
	return nil
}

func (p *consolePlayer) run(ctx context.Context) {
	for {
		state := p.session.State()
		if state.GameOver || !state.Started {
			p.finish(state)
			return
		}

		var err error
		switch {
		case state.Error != "":
			fmt.Printf("⚠️ %s\n", state.Error)
			if !state.CanRetry || !p.confirm("重试？(y/n) ") {
				return
			}
			state, err = p.session.Retry(ctx)
		case state.ChoicesVisible:
			state, err = p.choose(ctx, state)
		default:
			if !p.auto && !p.prompt(ctx) {
				return
			}
			state, err = p.session.Advance(ctx)
		}
		if err != nil {
			fmt.Printf("⚠️ %v\n", err)
			continue
		}
		p.render(state)
	}
}

// prompt 读取推进前的命令；返回 false 表示退出
func (p *consolePlayer) prompt(ctx context.Context) bool {
	for {
		line, ok := p.read("▶ [回车] 继续  h 历史  j N 回跳  s N 存档  q 退出: ")
		if !ok {
			return false
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return true
		}
		switch fields[0] {
		case "q":
			return false
		case "h":
			p.printHistory()
		case "j":
			if n, ok := argInt(fields); ok {
				state, err := p.session.JumpToHistory(n)
				if err != nil {
					fmt.Printf("⚠️ %v\n", err)
					continue
				}
				p.shown = -1
				p.render(state)
			}
		case "s":
			if n, ok := argInt(fields); ok {
				if n < 0 || n >= models.SaveSlotCount {
					fmt.Printf("⚠️ 存档槽范围 0-%d\n", models.SaveSlotCount-1)
					continue
				}
				if _, err := p.session.Save(ctx, n); err != nil {
					fmt.Printf("⚠️ %v\n", err)
					continue
				}
				fmt.Printf("💾 已存档到槽位 %d\n", n)
			}
		default:
			fmt.Println("未知命令")
		}
	}
}

func (p *consolePlayer) choose(ctx context.Context, state services.SessionState) (services.SessionState, error) {
	lines := make([]string, 0, len(state.Choices))
	for i, c := range state.Choices {
		lines = append(lines, fmt.Sprintf("%d) %s", i, c.Text))
	}
	printBox("选择", strings.Join(lines, "\n"))

	index := 0
	switch {
	case len(p.picks) > 0:
		index, p.picks = p.picks[0], p.picks[1:]
		fmt.Printf("→ %d\n", index)
	case p.auto:
		fmt.Println("→ 0")
	default:
		for {
			line, ok := p.read("选择序号: ")
			if !ok {
				return state, fmt.Errorf("输入结束")
			}
			n, err := strconv.Atoi(strings.TrimSpace(line))
			if err == nil {
				index = n
				break
			}
		}
	}
	if state.Mode == models.ModeGenerated {
		fmt.Println("⏳ 正在生成...")
	}
	return p.session.SelectChoice(ctx, index)
}

// render 显示新出现的场景
func (p *consolePlayer) render(state services.SessionState) {
	if state.Scene == nil || state.HistoryLength == p.shown {
		return
	}
	p.shown = state.HistoryLength
	scene := state.Scene

	var body strings.Builder
	if scene.Narrative != "" {
		body.WriteString(scene.Narrative)
	}
	if scene.Dialogue != "" {
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		if scene.Expression != "" {
			fmt.Fprintf(&body, "%s（%s）：%s", scene.Speaker, scene.Expression, scene.Dialogue)
		} else {
			fmt.Fprintf(&body, "%s：%s", scene.Speaker, scene.Dialogue)
		}
	}
	if scene.AffectionChange != 0 {
		fmt.Fprintf(&body, "\n\n好感度 %+d", scene.AffectionChange)
	}

	title := fmt.Sprintf("%s · %s · ♥ %d", nonEmpty(state.ScriptName, state.ScriptID), scene.Background, state.Affection)
	printBox(title, body.String())
}

func (p *consolePlayer) finish(state services.SessionState) {
	var lines []string
	if state.Ending != nil {
		lines = append(lines, fmt.Sprintf("结局：%s（%s）", state.Ending.Title, state.Ending.Type))
		if state.Ending.Description != "" {
			lines = append(lines, state.Ending.Description)
		}
	}
	lines = append(lines, fmt.Sprintf("最终好感度：%d", state.Affection))
	if state.Record != nil {
		lines = append(lines, fmt.Sprintf("记录已保存：%s", state.Record.ID))
	}
	printBox("游戏结束", strings.Join(lines, "\n"))
}

func (p *consolePlayer) printHistory() {
	history := p.session.History()
	lines := make([]string, 0, len(history))
	for i, scene := range history {
		text := scene.Dialogue
		if text == "" {
			text = scene.Narrative
		}
		lines = append(lines, fmt.Sprintf("%3d  %s：%s", i, nonEmpty(scene.Speaker, "旁白"), truncate(text, 40)))
	}
	printBox("历史", strings.Join(lines, "\n"))
}

func (p *consolePlayer) read(prompt string) (string, bool) {
	fmt.Print(prompt)
	if !p.in.Scan() {
		return "", false
	}
	return p.in.Text(), true
}

func (p *consolePlayer) confirm(prompt string) bool {
	line, ok := p.read(prompt)
	return ok && strings.EqualFold(strings.TrimSpace(line), "y")
}

func argInt(fields []string) (int, bool) {
	if len(fields) < 2 {
		fmt.Println("缺少参数")
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Println("参数必须是数字")
		return 0, false
	}
	return n, true
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "…"
}

func printBox(title, content string) {
	lines := wrapContentForBox(content, cliBoxMaxWidth)
	width := displayWidth(title)
	for _, line := range lines {
		if w := displayWidth(line); w > width {
			width = w
		}
	}
	border := strings.Repeat("─", width+2)
	fmt.Println("┌" + border + "┐")
	if title != "" {
		fmt.Printf("│ %s │\n", padRight(title, width))
		fmt.Println("├" + border + "┤")
	}
	for _, line := range lines {
		fmt.Printf("│ %s │\n", padRight(line, width))
	}
	fmt.Println("└" + border + "┘")
}

// wrapContentForBox 按显示宽度折行，全角字符占两列
func wrapContentForBox(content string, maxWidth int) []string {
	var result []string
	for _, raw := range strings.Split(content, "\n") {
		var line strings.Builder
		w := 0
		for _, r := range strings.TrimRight(raw, " ") {
			rw := runeWidth(r)
			if w+rw > maxWidth {
				result = append(result, line.String())
				line.Reset()
				w = 0
			}
			line.WriteRune(r)
			w += rw
		}
		result = append(result, line.String())
	}
	return result
}

func padRight(text string, width int) string {
	if w := displayWidth(text); w < width {
		return text + strings.Repeat(" ", width-w)
	}
	return text
}

func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		w += runeWidth(r)
	}
	return w
}

func runeWidth(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}
