// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/matta/mailmirror/internal/config"
	"github.com/matta/mailmirror/internal/credential"
	"github.com/matta/mailmirror/internal/gmail"
	"github.com/matta/mailmirror/internal/graph"
	"github.com/matta/mailmirror/internal/httpauth"
	"github.com/matta/mailmirror/internal/imap"
	"github.com/matta/mailmirror/internal/logging"
	"github.com/matta/mailmirror/internal/mirror"
	"github.com/matta/mailmirror/internal/persist"
	"github.com/matta/mailmirror/internal/tracehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app holds the persistent flags and the logger shared by all commands.
type app struct {
	configPath string
	logLevel   string
	trace      bool

	log     zerolog.Logger
	secrets credential.Keyring
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailmirror",
		Short:         "Copy new messages from a remote mailbox to local disk",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          a.runMirror,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "path to the JSON configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default: LogLevel from the configuration)")
	root.PersistentFlags().BoolVarP(&a.trace, "trace", "T", false, "log HTTP requests and responses at debug level")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level := a.logLevel
		if level == "" {
			level = "info"
		}
		log, err := logging.New(os.Stderr, level)
		if err != nil {
			return err
		}
		a.log = log
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Download new messages (the default)",
		Args:  cobra.NoArgs,
		RunE:  a.runMirror,
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without contacting the mailbox",
		Args:  cobra.NoArgs,
		RunE:  a.runCheck,
	})
	root.AddCommand(a.historyCmd())
	root.AddCommand(a.secretCmd())
	return root
}

// loadConfig reads the configuration and applies its LogLevel unless
// --log-level was given.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel == "" && cfg.LogLevel != "" {
		lvl, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "LogLevel")
		}
		a.log = a.log.Level(lvl)
	}
	return cfg, nil
}

func (a *app) runMirror(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	// Refuse before any credential lookup or connection.
	if err := cfg.Authorize(); err != nil {
		return err
	}
	if err := cfg.RequireSecrets(a.secrets); err != nil {
		return err
	}

	remote, closeRemote, err := a.openRemote(ctx, cfg)
	if err != nil {
		return errors.Wrapf(err, "unable to initialize %s provider", cfg.Provider)
	}
	defer closeRemote()

	var opts []mirror.Option
	if cfg.LedgerPath != "" {
		db, err := persist.Open(ctx, cfg.LedgerPath)
		if err != nil {
			a.log.Warn().Err(err).Msg("continuing without the download ledger")
		} else {
			defer db.Close()
			opts = append(opts, mirror.WithLedger(db))
		}
	}

	start := time.Now()
	sum, err := mirror.New(cfg, remote, a.log, opts...).Run(ctx)
	a.log.Info().
		Int("listed", sum.Listed).
		Int("processed", sum.Processed).
		Int("skipped_old", sum.SkippedOld).
		Int("skipped_duplicate", sum.SkippedDuplicate).
		Int("failed", sum.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("summary")
	if err != nil {
		return reportedError{errors.Wrap(err, "unable to mirror mailbox")}
	}
	return nil
}

// reportedError marks an error that was already logged where it
// happened.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func alreadyLogged(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

func (a *app) transport() http.RoundTripper {
	if a.trace {
		return tracehttp.Wrap(http.DefaultTransport, a.log, false)
	}
	return http.DefaultTransport
}

func (a *app) openRemote(ctx context.Context, cfg *config.Config) (mirror.MessageStorage, func(), error) {
	noop := func() {}
	switch cfg.Provider {
	case config.ProviderGraph:
		client, err := httpauth.NewGraph(ctx, cfg, httpauth.Options{Base: a.transport()})
		if err != nil {
			return nil, nil, err
		}
		return graph.New(client, cfg.GraphBaseURL, a.log), noop, nil
	case config.ProviderGmail:
		client, err := httpauth.NewGmail(ctx, cfg, httpauth.Options{Base: a.transport()})
		if err != nil {
			return nil, nil, err
		}
		s, err := gmail.New(ctx, client, a.log)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.ProviderIMAP:
		s, err := imap.Connect(ctx, cfg.IMAP, cfg.Folder, a.log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				a.log.Warn().Err(err).Msg("closing IMAP session")
			}
		}, nil
	}
	return nil, nil, errors.Errorf("unknown provider %q", cfg.Provider)
}

func (a *app) runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Authorize(); err != nil {
		return err
	}
	if err := cfg.RequireSecrets(a.secrets); err != nil {
		a.log.Warn().Err(err).Msg("no secret available; run will fail")
	}
	a.log.Info().
		Str("provider", cfg.Provider).
		Str("mailbox", cfg.Mailbox).
		Str("folder", cfg.Folder).
		Str("download_path", cfg.DownloadPath).
		Str("cutoff", cfg.Cutoff().Format("2006-01-02")).
		Msg("configuration is valid")
	return nil
}

func (a *app) historyCmd() *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the download ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.LedgerPath == "" {
				return errors.New("LedgerPath is not set in the configuration")
			}
			db, err := persist.Open(cmd.Context(), cfg.LedgerPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if runID != "" {
				return printDownloads(cmd.Context(), cmd.OutOrStdout(), db, runID, limit)
			}
			return printRuns(cmd.Context(), cmd.OutOrStdout(), db, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rows to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the messages saved by this run")
	return cmd
}

func printRuns(ctx context.Context, out io.Writer, db *persist.DB, limit int) error {
	runs, err := db.Runs(ctx, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tMAILBOX\tPROVIDER\tSTARTED\tFINISHED\tSAVED\tSKIPPED\tFAILED\tERROR")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID, r.Mailbox, r.Provider,
			r.StartedAt.Local().Format(time.DateTime), finished,
			r.Processed, r.Skipped, r.Failed, r.Error)
	}
	return w.Flush()
}

func printDownloads(ctx context.Context, out io.Writer, db *persist.DB, runID string, limit int) error {
	downloads, err := db.Downloads(ctx, runID, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SAVED\tRECEIVED\tSIZE\tMESSAGE-ID\tFOLDER")
	for _, d := range downloads {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			d.SavedAt.Local().Format(time.DateTime),
			d.ReceivedAt.Local().Format(time.DateTime),
			d.Size, d.InternetMessageID, d.Folder)
	}
	return w.Flush()
}

func (a *app) secretCmd() *cobra.Command {
	secret := &cobra.Command{
		Use:   "secret",
		Short: "Manage provider secrets in the OS keyring",
	}
	secret.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the configured provider's secret, read from standard input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			value, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := a.secrets.Set(cfg.SecretKey(), value); err != nil {
				return err
			}
			a.log.Info().Str("key", cfg.SecretKey()).Msg("secret stored")
			return nil
		},
	})
	return secret
}

// readSecret reads one line from in, without echo when in is a
// terminal.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", errors.Wrap(err, "reading secret")
		}
		return checkSecret(string(b))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "reading secret")
	}
	return checkSecret(line)
}

func checkSecret(s string) (string, error) {
	s = strings.TrimRight(s, "\r\n")
	if strings.TrimSpace(s) == "" {
		return "", errors.New("empty secret")
	}
	return s, nil
}
