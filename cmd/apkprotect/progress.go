package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/protector"
)

const barWidth = 30

// progressPrinter 终端进度输出：TTY 上原地刷新进度条，否则每个阶段输出一行
type progressPrinter struct {
	out   io.Writer
	tty   bool
	quiet bool

	lastStage domain.Stage
	lastLen   int
}

func newProgressPrinter(out io.Writer, quiet bool) *progressPrinter {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &progressPrinter{out: out, tty: tty, quiet: quiet}
}

// Run 消费进度直到通道关闭
func (p *progressPrinter) Run(progress <-chan protector.Progress) {
	for ev := range progress {
		p.print(ev)
	}
	if p.tty && p.lastLen > 0 {
		fmt.Fprintln(p.out)
	}
}

func (p *progressPrinter) print(ev protector.Progress) {
	if p.quiet && ev.Stage != domain.StageFailed {
		return
	}

	if !p.tty {
		// 非终端只在阶段切换或失败时输出
		if ev.Stage == p.lastStage && ev.Stage != domain.StageFailed {
			return
		}
		p.lastStage = ev.Stage
		fmt.Fprintf(p.out, "[%3d%%] %s: %s\n", ev.Percent, ev.Stage.Label(), ev.Message)
		return
	}

	p.lastStage = ev.Stage
	line := fmt.Sprintf("%s %3d%% %-16s %s", renderBar(ev.Percent), ev.Percent, ev.Stage.Label(), ev.Message)
	if width, _, err := term.GetSize(int(p.out.(*os.File).Fd())); err == nil && width > 0 && len([]rune(line)) >= width {
		line = string([]rune(line)[:width-1])
	}
	pad := ""
	if n := p.lastLen - len([]rune(line)); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(p.out, "\r%s%s", line, pad)
	p.lastLen = len([]rune(line))
}

func renderBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * barWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
}
