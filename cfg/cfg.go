// SPDX-License-Identifier: MIT

package cfg

import (
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nuntius-im/nuntius/logger"
)

const (
	defaultYAMLConfigurationFilePath = "/etc/nuntius/nuntius.yaml"
)

var (
	yamlConfigurationFilePathInitializer = new(sync.Once)
	yamlConfigurationFilePath            string

	reloadMx        sync.Mutex
	reloadListeners []func()
)

func MustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePathInitializer.Do(func() { mustInit(absoluteCfgPaths...) })
}

func mustInit(absoluteCfgPaths ...string) {
	log := logger.Named("cfg")
	yamlConfigurationFilePath = ""
	for _, path := range absoluteCfgPaths {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err == nil {
			yamlConfigurationFilePath = path
			break
		}
	}
	if yamlConfigurationFilePath == "" {
		if len(absoluteCfgPaths) > 0 {
			log.Warn("could not read any of the provided config paths, falling back to default",
				zap.Strings("paths", absoluteCfgPaths),
				zap.String("default", defaultYAMLConfigurationFilePath))
		}
		yamlConfigurationFilePath = defaultYAMLConfigurationFilePath
		viper.SetConfigFile(yamlConfigurationFilePath)
		_ = viper.ReadInConfig()
	}
	viper.OnConfigChange(func(in fsnotify.Event) {
		log.Info("configuration file changed", zap.String("file", in.Name))
		reloadMx.Lock()
		defer reloadMx.Unlock()
		for _, listener := range reloadListeners {
			listener()
		}
	})
	viper.WatchConfig()
}

// OnReload registers a callback invoked after the YAML file is rewritten
// on disk. Listeners get no arguments: they re-read via MustGet.
func OnReload(listener func()) {
	reloadMx.Lock()
	defer reloadMx.Unlock()
	reloadListeners = append(reloadListeners, listener)
}

// MustGet deserializes the yaml subtree named after T's package into T:
// `relay.Config` reads the `relay:` key, `engine.Config` the `engine:`
// key, and so on.
func MustGet[T any]() *T {
	var t T
	key := strings.Replace(reflect.TypeOf(t).PkgPath(), "github.com/nuntius-im/nuntius/", "", 1)
	if err := viper.UnmarshalKey(key, &t); err != nil {
		logger.Named("cfg").Panic("could not deserialize yaml key",
			zap.String("file", yamlConfigurationFilePath),
			zap.String("key", key),
			zap.Error(errors.Wrapf(err, "deserializing `%v` yaml key `%v` into %+v", yamlConfigurationFilePath, key, t)))
	}

	return &t
}
