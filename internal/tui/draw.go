package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"

	"github.com/dshills/taskwatch/internal/stream"
	"github.com/dshills/taskwatch/internal/task"
)

// Column widths for the process table. The prompt takes the rest.
const (
	colTask   = 14
	colWorker = 4
	colStatus = 10
	colAge    = 18
	colLogs   = 6
)

var (
	styleDefault  = tcell.StyleDefault
	styleHeader   = tcell.StyleDefault.Reverse(true)
	styleHeading  = tcell.StyleDefault.Bold(true)
	styleSelected = tcell.StyleDefault.Reverse(true)
	styleDim      = tcell.StyleDefault.Dim(true)
	styleErr      = tcell.StyleDefault.Foreground(tcell.ColorRed)
	styleWarn     = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	styleGood     = tcell.StyleDefault.Foreground(tcell.ColorGreen)
)

// redraw pulls fresh state from the source and repaints the whole
// screen. Called only from the render loop.
func (d *Dashboard) redraw() {
	d.procs = d.src.Processes()
	d.clampSelection()
	if d.alerts != nil {
		d.notices = append(d.notices, d.alerts.Drain()...)
		if len(d.notices) > maxNotices {
			d.notices = d.notices[len(d.notices)-maxNotices:]
		}
	}

	s := d.screen
	s.Clear()
	w, h := s.Size()
	if w < 10 || h < 6 {
		s.Show()
		return
	}

	d.drawHeader(w)
	d.drawHeadings(1, w)

	tableTop := 2
	tableH := (h - 6) / 2
	if tableH < 1 {
		tableH = 1
	}
	d.drawTable(tableTop, tableH, w)

	logTitle := tableTop + tableH
	logTop := logTitle + 1
	logH := h - 2 - logTop
	d.drawLogPane(logTitle, logTop, logH, w)

	d.drawNoticeLine(h-2, w)
	d.drawHintLine(h-1, w)
	s.Show()
}

func (d *Dashboard) drawHeader(w int) {
	running := 0
	for _, p := range d.procs {
		if p.Status == task.StatusRunning {
			running++
		}
	}
	stats := d.src.Stats()

	fillRow(d.screen, 0, w, styleHeader)
	x := drawText(d.screen, 1, 0, w, styleHeader.Bold(true), "taskwatch")
	x = drawText(d.screen, x+2, 0, w, connStyle(d.src.ConnectionState()).Reverse(true), "● "+d.src.ConnectionState().String())

	summary := fmt.Sprintf("  %d running  %d completed  %d failed", running, stats.Completed, stats.Failed)
	x = drawText(d.screen, x+1, 0, w, styleHeader, summary)
	if stats.AvgDuration != nil {
		drawText(d.screen, x+2, 0, w, styleHeader, "avg "+fmtMillis(*stats.AvgDuration))
	}
}

func (d *Dashboard) drawHeadings(y, w int) {
	x := 2
	x = drawCol(d.screen, x, y, colTask, styleHeading, "TASK")
	x = drawCol(d.screen, x, y, colWorker, styleHeading, "WK")
	x = drawCol(d.screen, x, y, colStatus, styleHeading, "STATUS")
	x = drawCol(d.screen, x, y, colAge, styleHeading, "AGE")
	x = drawCol(d.screen, x, y, colLogs, styleHeading, "LOGS")
	drawText(d.screen, x, y, w, styleHeading, "PROMPT")
}

func (d *Dashboard) drawTable(top, height, w int) {
	if len(d.procs) == 0 {
		drawText(d.screen, 2, top, w, styleDim, "no known tasks")
		return
	}

	// Keep the selection visible when the table overflows.
	first := 0
	if d.selected >= height {
		first = d.selected - height + 1
	}

	for i := 0; i < height && first+i < len(d.procs); i++ {
		p := d.procs[first+i]
		y := top + i
		rowStyle := styleDefault
		if first+i == d.selected {
			rowStyle = styleSelected
			fillRow(d.screen, y, w, rowStyle)
		}

		x := 2
		x = drawCol(d.screen, x, y, colTask, rowStyle, p.TaskID)
		x = drawCol(d.screen, x, y, colWorker, rowStyle, strconv.Itoa(p.WorkerID))

		st := statusStyle(p.Status)
		if first+i == d.selected {
			st = rowStyle
		}
		x = drawCol(d.screen, x, y, colStatus, st, p.Status.String())
		x = drawCol(d.screen, x, y, colAge, rowStyle, ageText(p))
		x = drawCol(d.screen, x, y, colLogs, rowStyle, strconv.Itoa(p.LogCount))
		drawText(d.screen, x, y, w-1, rowStyle, p.Prompt)
	}
}

func (d *Dashboard) drawLogPane(titleY, top, height, w int) {
	id := d.selectedTask()
	if id == "" {
		drawText(d.screen, 1, titleY, w, styleDim, "logs")
		return
	}

	title := fmt.Sprintf("logs %s (%d records)", id, d.src.LogCount(id))
	drawText(d.screen, 1, titleY, w, styleHeading, title)

	n := d.logTail
	if height < n {
		n = height
	}
	if n <= 0 {
		return
	}

	records := d.src.LastLogs(id, n)
	for i, rec := range records {
		y := top + i
		x := drawText(d.screen, 2, y, w, styleDim, time.UnixMilli(rec.Timestamp).Format("15:04:05"))
		x = drawText(d.screen, x+1, y, w, channelStyle(rec.Channel), "["+rec.Channel.String()+"]")
		drawText(d.screen, x+1, y, w-1, styleDefault, rec.Content)
	}
}

func (d *Dashboard) drawNoticeLine(y, w int) {
	if len(d.notices) > 0 {
		n := d.notices[len(d.notices)-1]
		text := "! " + n.Message
		if n.TaskID != "" {
			text += " (" + n.TaskID + ")"
		}
		if len(d.notices) > 1 {
			text += fmt.Sprintf("  [%d alerts]", len(d.notices))
		}
		drawText(d.screen, 1, y, w, noticeStyle(n.Level), text)
		return
	}

	if err := d.src.LastError(); err != nil {
		drawText(d.screen, 1, y, w, styleErr, "backend error: "+err.Error())
	}
}

func (d *Dashboard) drawHintLine(y, w int) {
	if msg := d.currentStatus(); msg != "" {
		drawText(d.screen, 1, y, w, styleWarn, msg)
		return
	}
	hints := "q quit   j/k select   r refresh   c reconnect   x kill   d clear logs"
	drawText(d.screen, 1, y, w, styleDim, hints)
}

// ageText shows elapsed time for running tasks and total runtime for
// finished ones.
func ageText(p task.ProcessSnapshot) string {
	if p.Status == task.StatusRunning || p.Duration == nil {
		return humanize.Time(p.StartedAt())
	}
	return "took " + fmtMillis(*p.Duration)
}

func fmtMillis(ms int64) string {
	dur := time.Duration(ms) * time.Millisecond
	if dur < 10*time.Second {
		return dur.Round(100 * time.Millisecond).String()
	}
	return dur.Round(time.Second).String()
}

func connStyle(s stream.State) tcell.Style {
	switch s {
	case stream.StateOpen:
		return styleGood
	case stream.StateConnecting:
		return styleWarn
	default:
		return styleErr
	}
}

func statusStyle(s task.Status) tcell.Style {
	switch s {
	case task.StatusRunning:
		return styleGood
	case task.StatusFailed:
		return styleErr
	case task.StatusTimeout:
		return styleWarn
	case task.StatusCompleted:
		return tcell.StyleDefault.Foreground(tcell.ColorBlue)
	default:
		return styleDefault
	}
}

func channelStyle(c task.Channel) tcell.Style {
	switch c {
	case task.ChannelStderr:
		return styleErr
	case task.ChannelSystem:
		return styleWarn
	default:
		return styleDim
	}
}

func noticeStyle(level string) tcell.Style {
	switch level {
	case "error":
		return styleErr
	case "warn":
		return styleWarn
	default:
		return styleDefault
	}
}

// drawText writes text at (x, y), stopping at maxX. Returns the next
// column.
func drawText(s tcell.Screen, x, y, maxX int, style tcell.Style, text string) int {
	for _, r := range text {
		w := runeWidth(r)
		if w == 0 {
			continue
		}
		if x+w > maxX {
			break
		}
		s.SetContent(x, y, r, nil, style)
		x += w
	}
	return x
}

// drawCol writes a fixed-width table cell, truncating the value, and
// returns the start of the next column.
func drawCol(s tcell.Screen, x, y, width int, style tcell.Style, text string) int {
	drawText(s, x, y, x+width-1, style, text)
	return x + width
}

func fillRow(s tcell.Screen, y, w int, style tcell.Style) {
	for x := 0; x < w; x++ {
		s.SetContent(x, y, ' ', nil, style)
	}
}

// runeWidth returns the display width of a rune. Wide CJK runes take
// two columns.
func runeWidth(r rune) int {
	if r < 32 || r == 0x7F {
		return 0
	}
	if isWideRune(r) {
		return 2
	}
	return 1
}

func isWideRune(r rune) bool {
	switch {
	case r >= 0x1100 && r <= 0x115F:
		return true
	case r >= 0x2E80 && r <= 0x9FFF:
		return true
	case r >= 0xAC00 && r <= 0xD7A3:
		return true
	case r >= 0xF900 && r <= 0xFAFF:
		return true
	case r >= 0xFE30 && r <= 0xFE6F:
		return true
	case r >= 0xFF00 && r <= 0xFF60:
		return true
	case r >= 0xFFE0 && r <= 0xFFE6:
		return true
	}
	return false
}
