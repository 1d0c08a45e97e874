package ui

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/session"
)

//go:embed icon.png
var iconBytes []byte

const refreshInterval = 2 * time.Second

// Workspace is the part of the session the tray drives.
type Workspace interface {
	Status() session.Status
	CancelAll() int
	EndSession(ctx context.Context) error
}

type Tray struct {
	ws     Workspace
	logger *slog.Logger

	statusItem   *systray.MenuItem
	segmentsItem *systray.MenuItem
	cancelItem   *systray.MenuItem
	endItem      *systray.MenuItem

	mu   sync.Mutex
	stop chan struct{}

	onQuit func()
}

type TrayConfig struct {
	Workspace Workspace
	Logger    *slog.Logger
	OnQuit    func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		ws:     cfg.Workspace,
		logger: cfg.Logger,
		onQuit: cfg.OnQuit,
		stop:   make(chan struct{}),
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("ClipForge")
	systray.SetTooltip("ClipForge Agent")

	t.statusItem = systray.AddMenuItem("Status: Signed out", "Current agent status")
	t.statusItem.Disable()

	t.segmentsItem = systray.AddMenuItem("Segments: 0/5", "Segments in the workspace")
	t.segmentsItem.Disable()

	systray.AddSeparator()

	t.cancelItem = systray.AddMenuItem("Cancel All Builds", "Cancel running clip builds")
	t.endItem = systray.AddMenuItem("End Session", "Sign out and discard the workspace")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit ClipForge Agent")

	t.refresh()
	go t.poll()

	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				n := t.ws.CancelAll()
				t.logger.Info("cancel requested from tray", "cancelled", n)
				t.refresh()
			case <-t.endItem.ClickedCh:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := t.ws.EndSession(ctx); err != nil {
					t.logger.Error("failed to end session", "error", err)
				}
				cancel()
				t.refresh()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) poll() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tray) refresh() {
	st := t.ws.Status()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.statusItem.SetTitle("Status: " + StatusLine(st))
	t.segmentsItem.SetTitle(fmt.Sprintf("Segments: %d/%d (%d ready)", st.Segments, segment.MaxSegments, st.Ready))
	if st.ActiveBuilds > 0 || st.RunningBatches > 0 {
		t.cancelItem.Enable()
	} else {
		t.cancelItem.Disable()
	}
	if st.Authenticated {
		t.endItem.Enable()
	} else {
		t.endItem.Disable()
	}
}

// StatusLine renders the one-line summary shown in the tray menu.
func StatusLine(st session.Status) string {
	switch {
	case !st.Authenticated:
		return "Signed out"
	case st.RunningBatches > 0:
		return fmt.Sprintf("Building all (%d active)", st.ActiveBuilds)
	case st.ActiveBuilds == 1:
		return "Building 1 clip"
	case st.ActiveBuilds > 1:
		return fmt.Sprintf("Building %d clips", st.ActiveBuilds)
	case st.Asset == "":
		return "No video selected"
	default:
		return "Idle"
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}
