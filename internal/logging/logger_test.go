package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet_ProductionModeIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core), Options{DebugMode: false})
	t.Cleanup(func() { Replace(nil, Options{}) })

	for _, cat := range Categories {
		Get(cat).Error("should not appear")
	}
	assert.Zero(t, logs.Len())
}

func TestGet_CategoryToggles(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core), Options{
		DebugMode:  true,
		Categories: map[string]bool{"engine": false},
	})
	t.Cleanup(func() { Replace(nil, Options{}) })

	Get(CategoryEngine).Info("hidden")
	Get(CategorySession).Info("visible", zap.String("label", "cell-1"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "session", entry.LoggerName)
	assert.Equal(t, "visible", entry.Message)
	assert.Equal(t, "cell-1", entry.ContextMap()["label"])

	assert.False(t, IsCategoryEnabled(CategoryEngine))
	assert.True(t, IsCategoryEnabled(CategoryNotebook))
}

func TestGet_Cached(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	Replace(zap.New(core), Options{DebugMode: true})
	t.Cleanup(func() { Replace(nil, Options{}) })

	assert.Same(t, Get(CategoryRegistry), Get(CategoryRegistry))
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"json debug", Options{Level: "debug", Format: "json"}, false},
		{"bad level", Options{Level: "loud"}, true},
		{"bad format", Options{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Build(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}
