// Package access gates every data operation behind a named privilege level.
//
// A Manager owns one pooled Store per Level. Callers obtain a scoped handle
// with GetStore, which validates emergency escalations and writes exactly one
// audit entry per call before returning. The handle checks every operation
// against its level's policy before forwarding it.
package access

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Level string

const (
	ReadOnly      Level = "readonly"
	PatientUpdate Level = "patient_update"
	Migration     Level = "migration"
	Emergency     Level = "emergency"
)

// Levels returns every privilege level, least privileged first.
func Levels() []Level {
	return []Level{ReadOnly, PatientUpdate, Migration, Emergency}
}

func (l Level) Valid() bool {
	switch l {
	case ReadOnly, PatientUpdate, Migration, Emergency:
		return true
	}
	return false
}

func (l Level) String() string {
	return string(l)
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrivilegeLevel, s)
	}
	return l, nil
}

// LevelConfig is the pool budget and operation policy of one level.
type LevelConfig struct {
	// MaxConns bounds both the underlying pool and concurrent operations
	// through scoped handles.
	MaxConns int `yaml:"max_conns"`

	// Forbidden lists operation verbs rejected at this level.
	Forbidden []string `yaml:"forbidden"`

	// Expression is an optional CEL boolean over operation, table and level
	// that must also hold for an operation to be forwarded.
	Expression string `yaml:"expression"`

	// LogLevel is the severity every forwarded operation is logged at.
	LogLevel zapcore.Level `yaml:"log_level"`

	RequiresEscalation bool `yaml:"requires_escalation"`
}

var (
	writeVerbs       = []string{"create", "insert", "update", "upsert", "delete", "remove", "drop", "truncate", "alter", "grant", "revoke"}
	destructiveVerbs = []string{"delete", "truncate", "drop", "alter"}
)

// DefaultLevelConfigs returns the built-in budgets (5/10/1/3) and policies.
func DefaultLevelConfigs() map[Level]LevelConfig {
	return map[Level]LevelConfig{
		ReadOnly: {
			MaxConns:  5,
			Forbidden: append([]string(nil), writeVerbs...),
			LogLevel:  zapcore.DebugLevel,
		},
		PatientUpdate: {
			MaxConns:  10,
			Forbidden: append([]string(nil), destructiveVerbs...),
			LogLevel:  zapcore.DebugLevel,
		},
		Migration: {
			MaxConns: 1,
			LogLevel: zapcore.InfoLevel,
		},
		Emergency: {
			MaxConns:           3,
			LogLevel:           zapcore.WarnLevel,
			RequiresEscalation: true,
		},
	}
}
