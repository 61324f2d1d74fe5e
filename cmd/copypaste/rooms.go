package main

import (
	"fmt"
	"io"
	"os"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/copypaste/internal/room"
)

func newRoomCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create an empty room and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.store()
			if err != nil {
				return err
			}
			doc, err := s.NewRoom(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc.RoomID)
			return nil
		},
	}
}

func getCmd(a *app) *cobra.Command {
	var showStats bool

	cmd := &cobra.Command{
		Use:   "get ROOM",
		Short: "Print a room's content",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), roomArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := room.Parse(args[0])
			s, err := a.store()
			if err != nil {
				return err
			}
			resp, err := s.Room(cmd.Context(), id)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), resp.Content)
			if showStats {
				fmt.Fprintln(cmd.ErrOrStderr())
				fmt.Fprintln(cmd.ErrOrStderr(), renderStats(resp.Stats, resp.ActiveUsers))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showStats, "stats", false, "also print chars, words, lines and viewers")
	return cmd
}

func putCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put ROOM [FILE|-]",
		Short: "Replace a room's content with a file or stdin",
		Args:  cobra.MatchAll(cobra.RangeArgs(1, 2), roomArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			sess, err := a.open(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			sess.Edit(string(data))
			return finish(sess)
		},
	}
}

func clearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear ROOM",
		Short: "Empty a room",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), roomArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.open(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			sess.Clear()
			return finish(sess)
		},
	}
}

func copyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "copy ROOM",
		Short: "Copy a room's content to the clipboard",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), roomArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := room.Parse(args[0])
			s, err := a.store()
			if err != nil {
				return err
			}
			doc, err := s.FetchRoom(cmd.Context(), id)
			if err != nil {
				return err
			}

			// Best effort: without a clipboard the content goes to stdout.
			if err := clipboard.WriteAll(doc.Content); err != nil {
				a.logger.Debug("Clipboard unavailable")
				fmt.Fprint(cmd.OutOrStdout(), doc.Content)
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), okStyle.Render("Copied!"))
			return nil
		},
	}
}
