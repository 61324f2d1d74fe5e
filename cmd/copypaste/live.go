package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/engine"
)

const (
	cmdClear = "/clear"
	cmdQuit  = "/quit"
)

func joinCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join ROOM",
		Short: "Edit a room line by line and follow everyone else's changes",
		Long: "Every line read from stdin is appended to the document. " +
			cmdClear + " empties it and " + cmdQuit + " (or EOF) saves and leaves.",
		Args: cobra.MatchAll(cobra.ExactArgs(1), roomArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.open(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			shown := sess.Snapshot().Content
			fmt.Fprint(out, shown)
			fmt.Fprintln(errOut, renderStatus(sess.Snapshot()))

			lines := readLines(cmd.InOrStdin())
			lastStatus := ""
			for {
				select {
				case <-cmd.Context().Done():
					return finish(sess)

				case line, ok := <-lines:
					if !ok || line == cmdQuit {
						return finish(sess)
					}
					if line == cmdClear {
						sess.Clear()
						shown = ""
						continue
					}
					shown = sess.Snapshot().Content + line + "\n"
					sess.Edit(shown)

				case snap, ok := <-sess.Updates():
					if !ok {
						return finish(sess)
					}
					if snap.Content != shown && !snap.Editing {
						shown = snap.Content
						fmt.Fprintln(out, dimStyle.Render("──── updated ────"))
						fmt.Fprint(out, shown)
					}
					if status := renderStatus(snap); status != lastStatus {
						lastStatus = status
						fmt.Fprintln(errOut, status)
					}
				}
			}
		},
	}
}

// readLines streams r line by line until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- strings.TrimRight(sc.Text(), "\r")
		}
	}()
	return lines
}

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch ROOM FILE",
		Short: "Keep a local file and a room in sync both ways",
		Long:  "The room wins at startup: FILE is overwritten with the room's content, then changes flow both ways.",
		Args:  cobra.MatchAll(cobra.ExactArgs(2), roomArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			sess, err := a.open(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}

			m := &mirror{path: path}
			if _, err := m.pull(sess.Snapshot().Content); err != nil {
				sess.Close()
				return err
			}

			w, err := fsnotify.NewWatcher()
			if err != nil {
				sess.Close()
				return fmt.Errorf("failed to create fsnotify watcher: %w", err)
			}
			defer w.Close()

			// Editors often replace the file, so watch the directory.
			if err := w.Add(filepath.Dir(path)); err != nil {
				sess.Close()
				return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
			}

			a.logger.Info("Watching", zap.String("file", path), zap.String("room", sess.RoomID()))
			fmt.Fprintln(cmd.ErrOrStderr(), renderStatus(sess.Snapshot()))

			return m.run(cmd.Context(), w, sess.Updates(), sess.Edit, func(snap engine.Snapshot) {
				fmt.Fprintln(cmd.ErrOrStderr(), renderStatus(snap))
			}, a.logger, func() error { return finish(sess) })
		},
	}
}

// mirror tracks the last content both sides agreed on so that a change
// written by one side is not echoed back by the other.
type mirror struct {
	path string
	last string
}

// push reads the file and reports whether it holds something new.
func (m *mirror) push() (string, bool, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	content := string(data)
	if content == m.last {
		return "", false, nil
	}
	m.last = content
	return content, true, nil
}

// pull writes room content to the file when it differs from what is there.
// The file is replaced by rename so the watcher never sees it half written.
func (m *mirror) pull(content string) (bool, error) {
	if content == m.last {
		return false, nil
	}
	tmp := m.path + ".copypaste~"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to replace %s: %w", m.path, err)
	}
	m.last = content
	return true, nil
}

func (m *mirror) run(
	ctx context.Context,
	w *fsnotify.Watcher,
	updates <-chan engine.Snapshot,
	edit func(string),
	status func(engine.Snapshot),
	logger *zap.Logger,
	finish func() error,
) error {
	lastPhase := ""
	for {
		select {
		case <-ctx.Done():
			return finish()

		case ev, ok := <-w.Events:
			if !ok {
				return finish()
			}
			if filepath.Clean(ev.Name) != m.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			content, changed, err := m.push()
			if err != nil {
				logger.Warn("Failed to read watched file", zap.Error(err))
				continue
			}
			if changed {
				edit(content)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return finish()
			}
			logger.Warn("Watcher error", zap.Error(err))

		case snap, ok := <-updates:
			if !ok {
				return finish()
			}
			if !snap.Editing {
				if _, err := m.pull(snap.Content); err != nil {
					logger.Warn("Failed to mirror room", zap.Error(err))
				}
			}
			if string(snap.Phase) != lastPhase || snap.SyncErr != nil {
				lastPhase = string(snap.Phase)
				status(snap)
			}
		}
	}
}
