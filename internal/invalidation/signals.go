package invalidation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// VisibilityTracker fires TriggerVisibility when the UI goes from hidden to
// visible.
type VisibilityTracker struct {
	fire func(TriggerKind)

	mu      sync.Mutex
	visible bool
}

func NewVisibilityTracker(fire func(TriggerKind), visible bool) *VisibilityTracker {
	return &VisibilityTracker{fire: fire, visible: visible}
}

func (v *VisibilityTracker) SetVisible(visible bool) {
	v.mu.Lock()
	regained := visible && !v.visible
	v.visible = visible
	v.mu.Unlock()
	if regained {
		v.fire(TriggerVisibility)
	}
}

func (v *VisibilityTracker) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// WatchVisibilityFile follows a signal file whose content is "visible" or
// "hidden". The UI host rewrites it on focus changes. The directory is
// watched so atomic replaces are seen.
func WatchVisibilityFile(ctx context.Context, path string, tracker *VisibilityTracker, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	apply := func() {
		state, err := readVisibility(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Debug("unreadable visibility file", zap.String("path", path), zap.Error(err))
			}
			return
		}
		tracker.SetVisible(state)
	}
	apply()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				apply()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("visibility watcher error", zap.Error(err))
		}
	}
}

func readVisibility(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(string(raw))) {
	case "visible", "1", "true":
		return true, nil
	case "hidden", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("unknown visibility state %q", strings.TrimSpace(string(raw)))
}

// ConnectivityTracker fires TriggerConnectivity on an offline to online
// transition.
type ConnectivityTracker struct {
	fire func(TriggerKind)

	mu     sync.Mutex
	online bool
}

func NewConnectivityTracker(fire func(TriggerKind), online bool) *ConnectivityTracker {
	return &ConnectivityTracker{fire: fire, online: online}
}

func (c *ConnectivityTracker) SetOnline(online bool) {
	c.mu.Lock()
	restored := online && !c.online
	c.online = online
	c.mu.Unlock()
	if restored {
		c.fire(TriggerConnectivity)
	}
}

func (c *ConnectivityTracker) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProbeConnectivity dials address every interval and reports the result to
// the tracker.
func ProbeConnectivity(ctx context.Context, address string, interval time.Duration, tracker *ConnectivityTracker, dial DialFunc) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		conn, err := dial(probeCtx, "tcp", address)
		if err != nil {
			if ctx.Err() == nil {
				tracker.SetOnline(false)
			}
			return
		}
		_ = conn.Close()
		tracker.SetOnline(true)
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probe()
		}
	}
}
