package infra

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Defaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := decode(v)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50052, cfg.Server.GRPCPort)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.JournalFlushInterval)
	assert.Equal(t, "exact", cfg.Engine.ScopeMatcher)
	assert.Zero(t, cfg.Engine.MaxAuthorityAge)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr())
}

func TestDecode_Overrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("database.driver", "sqlite")
	v.Set("database.url", "file:able.db")
	v.Set("engine.max_authority_age", "90s")
	v.Set("engine.trusted_roots", []string{"root", "ops"})

	cfg, err := decode(v)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Engine.MaxAuthorityAge)
	assert.Equal(t, []string{"root", "ops"}, cfg.Engine.TrustedRoots)
}

func TestDecode_Invalid(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown driver":   {"database.driver": "mongo"},
		"postgres w/o url": {"database.driver": "postgres"},
		"negative age":     {"engine.max_authority_age": "-1s"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			for k, val := range overrides {
				v.Set(k, val)
			}
			_, err := decode(v)
			assert.Error(t, err)
		})
	}
}

func TestLoadKeyResource(t *testing.T) {
	t.Setenv("ABLE_TEST_KEY", "pem-data")
	assert.Equal(t, []byte("pem-data"), loadKeyResource("/does/not/exist", "ABLE_TEST_KEY"))
	assert.Nil(t, loadKeyResource("/does/not/exist", "ABLE_TEST_KEY_MISSING"))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Format: "xml"})
	assert.Error(t, err)
}
