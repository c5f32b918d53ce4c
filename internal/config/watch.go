package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ClassFilterWatcher watches the active config file for changes and
// re-applies the class filter atomically, without touching any other
// config field at runtime.
type ClassFilterWatcher struct {
	classes atomic.Pointer[[]string]
}

// NewClassFilterWatcher seeds the watcher with the config's current
// ai_classes_filter and starts watching the config file that viper loaded.
// Changes to fields other than ai_classes_filter are ignored; a full
// config reload requires a process restart. onChange, if non-nil, is
// invoked with the freshly reloaded class list after each reload.
func NewClassFilterWatcher(initial []string, onChange func([]string)) *ClassFilterWatcher {
	w := &ClassFilterWatcher{}
	classes := append([]string(nil), initial...)
	w.classes.Store(&classes)

	viper.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			log.Error("class filter reload: unmarshal config", "error", err)
			return
		}
		fresh := append([]string(nil), cfg.AIClassesFilter...)
		w.classes.Store(&fresh)
		log.Info("class filter reloaded", "classes", fresh, "path", e.Name)
		if onChange != nil {
			onChange(fresh)
		}
	})
	viper.WatchConfig()

	return w
}

// Classes returns the current class filter snapshot.
func (w *ClassFilterWatcher) Classes() []string {
	p := w.classes.Load()
	if p == nil {
		return nil
	}
	return *p
}
