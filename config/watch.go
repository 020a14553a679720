package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 基于fsnotify监听配置文件，变更后重新加载并回调。
// 仅阈值类字段（risk/recon/mode.canary）适合热更新；
// 网关与存储配置的变更需要重启进程。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 两次生效之间的最短间隔，避免编辑器多次写入触发抖动

	mu         sync.Mutex
	lastReload time.Time
}

// Start blocks until ctx is done, invoking onUpdate with each valid new config.
// Invalid configs are reported through onError and the previous config stays active.
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig), onError func(error)) error {
	if w.Cooldown <= 0 {
		w.Cooldown = 2 * time.Second
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// 监听目录而非文件本身：多数编辑器通过rename替换文件
	if err := watcher.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.Path, err)
	}
	target := filepath.Clean(w.Path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.allow() {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

func (w *Watcher) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.lastReload) < w.Cooldown {
		return false
	}
	w.lastReload = now
	return true
}
