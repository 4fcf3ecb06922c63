package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level string
}

var (
	LogText         = "Test Log Value"
	CustomFieldName = "SomeKey"
	CustomFieldVal  = "SomeVal"
)

type testLogJSON struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Msg       string    `json:"msg"`
	Message   string    `json:"message"`
	CustomVal any       `json:"SomeKey"`
}

func TestSlogLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be set to debug for log all
	l := New(slog.NewJSONHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug}))

	testMethods := []testMethod{
		{fn: l.Error, level: slog.LevelError.String()},
		{fn: l.Warn, level: slog.LevelWarn.String()},
		{fn: l.Info, level: slog.LevelInfo.String()},
		{fn: l.Debug, level: slog.LevelDebug.String()},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level), func(t *testing.T) {
			v.fn(LogText, CustomFieldName, CustomFieldVal)

			decoded := new(testLogJSON)
			require.NoError(t, json.Unmarshal(buffer.Bytes(), decoded))
			require.Equal(t, v.level, decoded.Level)
			require.Equal(t, LogText, decoded.Msg)
			require.Equal(t, CustomFieldVal, decoded.CustomVal)
		})
		buffer.Reset()
	}
}

func TestZerologLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	out, err := NewBuilder().FromBuffer(buffer).Level("debug").Make()
	require.NoError(t, err)
	require.Nil(t, out.File)

	l := out.Logger
	testMethods := []testMethod{
		{fn: l.Error, level: "error"},
		{fn: l.Warn, level: "warn"},
		{fn: l.Info, level: "info"},
		{fn: l.Debug, level: "debug"},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level), func(t *testing.T) {
			v.fn(LogText, CustomFieldName, CustomFieldVal)

			decoded := new(testLogJSON)
			require.NoError(t, json.Unmarshal(buffer.Bytes(), decoded))
			require.Equal(t, v.level, decoded.Level)
			require.Equal(t, LogText, decoded.Message)
			require.Equal(t, CustomFieldVal, decoded.CustomVal)
		})
		buffer.Reset()
	}
}

func TestZerologLevelFilter(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	out, err := NewBuilder().FromBuffer(buffer).Level("warn").Make()
	require.NoError(t, err)

	out.Logger.Info("hidden")
	require.Zero(t, buffer.Len())

	out.Logger.Error("shown", "error", errors.New("boom"), "dangling")
	require.Contains(t, buffer.String(), "boom")
	require.Contains(t, buffer.String(), "!BADKEY")
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	l := Nop()
	require.Equal(t, l, OrNop(l))
}
