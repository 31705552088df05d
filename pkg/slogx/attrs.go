package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string representation
// of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

const (
	KeyLoggerName = "logger"
	KeyChatID     = "chat_id"
	KeyTurnID     = "turn_id"
	KeyStreamID   = "stream_id"
	KeyCallID     = "call_id"
	KeyTool       = "tool"
)

// LoggerName returns an attribute for the logger name.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

func ChatID(id string) slog.Attr { return slog.String(KeyChatID, id) }

func TurnID(id string) slog.Attr { return slog.String(KeyTurnID, id) }

func StreamID(id string) slog.Attr { return slog.String(KeyStreamID, id) }

func CallID(id string) slog.Attr { return slog.String(KeyCallID, id) }

func Tool(name string) slog.Attr { return slog.String(KeyTool, name) }
