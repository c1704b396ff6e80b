package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mossy-p/telemed-rtc/internal/models"
)

type commandKind int

const (
	cmdChat commandKind = iota
	cmdAudio
	cmdVideo
	cmdRotate
	cmdEnd
	cmdLeave
)

type command struct {
	kind        commandKind
	text        string
	enabled     bool
	orientation models.Orientation
}

var errUsage = errors.New("usage: /mute | /unmute | /video on|off | /rotate portrait|landscape | /end | /leave")

// parseCommand reads one stdin line. Anything that is not a slash command
// is chat.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdChat, text: line}, nil
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = strings.ToLower(fields[1])
	}
	switch strings.ToLower(fields[0]) {
	case "/mute":
		return command{kind: cmdAudio, enabled: false}, nil
	case "/unmute":
		return command{kind: cmdAudio, enabled: true}, nil
	case "/video":
		switch arg {
		case "on":
			return command{kind: cmdVideo, enabled: true}, nil
		case "off":
			return command{kind: cmdVideo, enabled: false}, nil
		}
	case "/rotate":
		if o := models.Orientation(arg); o.Valid() {
			return command{kind: cmdRotate, orientation: o}, nil
		}
	case "/end":
		return command{kind: cmdEnd}, nil
	case "/leave":
		return command{kind: cmdLeave}, nil
	}
	return command{}, errUsage
}

// controls is the part of a session the prompt drives.
type controls interface {
	SendChat(text string) error
	SetAudioEnabled(enabled bool) (bool, error)
	SetVideoEnabled(enabled bool) (bool, error)
	SetOrientation(o models.Orientation) error
	End(ctx context.Context) error
	Leave()
}

// execute runs cmd and reports whether the prompt should stop.
func execute(ctx context.Context, c controls, cmd command) (bool, string, error) {
	switch cmd.kind {
	case cmdAudio:
		on, err := c.SetAudioEnabled(cmd.enabled)
		return false, fmt.Sprintf("microphone %s", onOff(on)), err
	case cmdVideo:
		on, err := c.SetVideoEnabled(cmd.enabled)
		return false, fmt.Sprintf("camera %s", onOff(on)), err
	case cmdRotate:
		return false, fmt.Sprintf("orientation %s", cmd.orientation), c.SetOrientation(cmd.orientation)
	case cmdEnd:
		return true, "call ended", c.End(ctx)
	case cmdLeave:
		c.Leave()
		return true, "left the call", nil
	}
	if cmd.text == "" {
		return false, "", nil
	}
	return false, "", c.SendChat(cmd.text)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
