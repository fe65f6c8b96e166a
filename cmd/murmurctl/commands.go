package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/securelog"
	"github.com/Avicted/murmur/internal/securestore"
	"github.com/Avicted/murmur/internal/storage"
	"github.com/Avicted/murmur/internal/user"
)

const (
	masterKeyEnv = "MURMUR_MASTER_KEY"
	maxLineBytes = 1 << 20
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "murmurctl",
		Short:         "Operator tools for a murmur server",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("env-file", "", "load variables from this file before running")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("env-file")
		if path == "" {
			return nil
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}

	root.AddCommand(newKeygenCmd(), newLogsCmd(), newPresenceCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh base64 master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prim, err := crypto.Init()
			if err != nil {
				return err
			}
			key, err := prim.Random(32)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return err
		},
	}
}

func newLogsCmd() *cobra.Command {
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Work with sealed server logs",
	}

	decrypt := &cobra.Command{
		Use:   "decrypt [file]",
		Short: "Decrypt sealed log lines (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := boxFromEnv()
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer closeIn()

			failed, err := decryptLogs(in, box, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d line(s) could not be decrypted", failed)
			}
			return nil
		},
	}

	levels := &cobra.Command{
		Use:   "levels [file]",
		Short: "Count log lines per level without the master key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer closeIn()
			return countLevels(in, cmd.OutOrStdout())
		},
	}

	logs.AddCommand(decrypt, levels)
	return logs
}

func newPresenceCmd() *cobra.Command {
	presenceCmd := &cobra.Command{
		Use:   "presence",
		Short: "Inspect the local presence history store",
	}

	var limit int
	history := &cobra.Command{
		Use:   "history [dir] [user-id]",
		Short: "Print a user's heartbeats, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := storage.OpenPebbleHistory(args[0])
			if err != nil {
				return err
			}
			defer h.Close()

			events, err := h.List(context.Background(), user.ID(args[1]), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(out, "%s %s %s\n", ev.EmittedAt.UTC().Format(time.RFC3339Nano), ev.Status, ev.ID)
			}
			return nil
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "maximum events to print")

	presenceCmd.AddCommand(history)
	return presenceCmd
}

func boxFromEnv() (*securestore.Box, error) {
	raw := strings.TrimSpace(os.Getenv(masterKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", masterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64", masterKeyEnv)
	}
	return securestore.NewBox(key)
}

func openInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// decryptLogs prints one line per record and reports how many lines failed.
func decryptLogs(in io.Reader, opener securelog.Opener, out, errOut io.Writer) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	failed := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		decoded, err := securelog.Decode(line, opener)
		if err != nil {
			failed++
			fmt.Fprintf(errOut, "line %d: %v\n", lineNo, err)
			continue
		}
		fmt.Fprintln(out, formatDecoded(decoded))
	}
	if err := scanner.Err(); err != nil {
		return failed, fmt.Errorf("read logs: %w", err)
	}
	return failed, nil
}

func formatDecoded(d securelog.Decoded) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(string(d.Level)))
	b.WriteByte(' ')
	b.WriteString(d.Time.UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(d.Message)
	if len(d.Context) > 0 {
		if ctx, err := json.Marshal(d.Context); err == nil {
			b.WriteByte(' ')
			b.Write(ctx)
		}
	}
	return b.String()
}

func countLevels(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	counts := make(map[string]int)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		level, err := securelog.LevelOf(line)
		if err != nil {
			if errors.Is(err, securelog.ErrMalformedLine) {
				counts["malformed"]++
				continue
			}
			return err
		}
		counts[string(level)]++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read logs: %w", err)
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s %d\n", k, counts[k])
	}
	return nil
}
