// Command consult joins a consultation call from a terminal. It captures the
// local camera and microphone where a driver is available, prints call events
// and reads chat and call controls from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/telemed-rtc/config"
	"github.com/mossy-p/telemed-rtc/internal/media"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/session"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg.Client, os.Stdin, os.Stdout, log); err != nil {
		log.Fatal("consultation failed", zap.Error(err))
	}
}

func run(cc config.ClientConfig, in io.Reader, out io.Writer, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []webrtc.ICEServer
	if len(cc.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cc.ICEServers}}
	}

	s, err := session.New(session.Config{
		ConsultationID: cc.ConsultationID,
		Token:          cc.Token,
		Role:           models.Role(cc.Role),
		SignalURL:      cc.SignalURL,
		APIURL:         cc.APIURL,
		Orientation:    models.ParseOrientation(cc.Orientation),
		DialTimeout:    cc.DialTimeout,
		ICE: session.ICEConfig{
			Servers:             servers,
			DisconnectedTimeout: cc.ICEDisconnectedTimeout,
			FailedTimeout:       cc.ICEFailedTimeout,
		},
		Capturer: media.NewDeviceCapturer(log),
		Hooks:    printer(out, log),
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("join consultation: %w", err)
	}
	fmt.Fprintln(out, "joined, type a message or", errUsage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.Leave()
			return nil
		case <-s.Done():
			return s.Err()
		case line, ok := <-lines:
			if !ok {
				s.Leave()
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			quit, note, err := execute(ctx, s, cmd)
			switch {
			case errors.Is(err, media.ErrNoTrack):
				fmt.Fprintln(out, "no local track for that device")
			case err != nil:
				fmt.Fprintln(out, "error:", err)
			case note != "":
				fmt.Fprintln(out, note)
			}
			if quit {
				return nil
			}
		}
	}
}

// printer reports session events on out. Hooks run on the session loop, so
// nothing here calls back into the session.
func printer(out io.Writer, log *zap.Logger) session.Hooks {
	return session.Hooks{
		OnStatus: func(st session.Status) {
			fmt.Fprintln(out, "status:", st)
		},
		OnChat: func(p models.ChatPayload) {
			fmt.Fprintf(out, "[%s] %s: %s\n", p.Timestamp.Local().Format("15:04"), p.SenderName, p.Text)
		},
		OnFile: func(p models.FilePayload) {
			fmt.Fprintf(out, "file from %s: %s <%s>\n", p.SenderName, p.FileName, p.DownloadURL)
		},
		OnMediaState: func(st models.MediaState) {
			fmt.Fprintf(out, "peer audio %s, video %s, %s\n",
				onOff(st.RemoteAudio), onOff(st.RemoteVideo), st.RemoteOrientation)
		},
		OnPeer: func(p models.PeerPayload, online bool) {
			if online {
				fmt.Fprintf(out, "%s joined\n", displayName(p))
			} else {
				fmt.Fprintf(out, "%s left\n", displayName(p))
			}
		},
		OnDeviceError: func(de *media.DeviceError) {
			fmt.Fprintln(out, "device:", de.UserMessage())
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go drain(track, log)
		},
		OnEnded: func(reason error) {
			if reason != nil {
				fmt.Fprintln(out, "call ended:", reason)
				return
			}
			fmt.Fprintln(out, "call ended")
		},
	}
}

// drain reads and discards remote media so the receiver keeps flowing.
func drain(track *webrtc.TrackRemote, log *zap.Logger) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			log.Debug("remote track finished", zap.String("id", track.ID()), zap.Error(err))
			return
		}
	}
}

func displayName(p models.PeerPayload) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}
