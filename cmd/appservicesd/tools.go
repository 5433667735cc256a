package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/storageclient"
	"github.com/nerrad567/appservices/internal/suggest"
	"github.com/nerrad567/appservices/internal/syncmanager"
)

// writeJSON prints v indented to w.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// syncOptions holds flags for the sync command.
type syncOptions struct {
	*rootOptions
	Engines []string
	Primary string
	Wipe    []string
	Reset   []string
}

func newSyncCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &syncOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print its telemetry",
		Long: `Run the configured engines once against the storage service and print
the run's telemetry as JSON.

Example:
  appservicesd sync
  appservicesd sync --engines tabs --primary tabs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := toolLogger(cfg)
			defer log.Close() //nolint:errcheck // Nothing left to log to

			p, err := openProfile(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer p.Close() //nolint:errcheck // Best-effort close after the run

			mgr, err := newManager(cfg, p, nil, log)
			if err != nil {
				return err
			}
			resp, syncErr := mgr.Sync(cmd.Context(), syncmanager.Request{
				Reason:         syncmanager.ReasonUser,
				Engines:        opts.Engines,
				PrimaryEngine:  opts.Primary,
				EnginesToWipe:  opts.Wipe,
				EnginesToReset: opts.Reset,
			})
			if resp != nil {
				if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			}
			return syncErr
		},
	}

	cmd.Flags().StringSliceVar(&opts.Engines, "engines", nil, "engines to run (default: sync.engines)")
	cmd.Flags().StringVar(&opts.Primary, "primary", "", "engine whose failure fails the run (default: sync.primary_engine)")
	cmd.Flags().StringSliceVar(&opts.Wipe, "wipe", nil, "engines whose remote data is wiped first")
	cmd.Flags().StringSliceVar(&opts.Reset, "reset", nil, "engines reset before the run")

	return cmd
}

func newStorageServerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "storage-server",
		Short: "Run a development storage service",
		Long: `Run an in-memory storage service for development and tests. Data is lost
on exit. Issue client tokens with "appservicesd token".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := toolLogger(cfg)
			defer log.Close() //nolint:errcheck // Nothing left to log to

			srv, err := storageclient.NewServer(storageclient.ServerConfig{
				Secret:         cfg.Security.JWT.Secret,
				TokenTTL:       time.Duration(cfg.StorageServer.TokenTTL) * time.Minute,
				MaxRecordBytes: cfg.StorageServer.MaxRecordBytes,
				Logger:         log,
			})
			if err != nil {
				return fmt.Errorf("creating storage server: %w", err)
			}
			addr := fmt.Sprintf("%s:%d", cfg.StorageServer.Host, cfg.StorageServer.Port)
			if err := srv.Start(addr); err != nil {
				return err
			}

			<-cmd.Context().Done()
			return srv.Close()
		},
	}
}

// tokenOptions holds flags for the token command.
type tokenOptions struct {
	*rootOptions
	Role string
	TTL  time.Duration
}

func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tokenOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an access token",
		Long: `Issue an access token signed with security.jwt.secret.

With the default sync-client role the subject is a key ID and the token
authenticates to the storage service. The viewer, operator and admin roles
authenticate to the status API.

Example:
  appservicesd token my-key-id
  appservicesd token alice --role operator --ttl 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ttl := opts.TTL
			if ttl <= 0 {
				ttl = cfg.GetTokenTTL()
			}
			token, err := auth.GenerateAccessToken(args[0], auth.Role(opts.Role), cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Role, "role", string(auth.RoleSyncClient), "role granted by the token")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default: security.jwt.access_token_ttl)")

	return cmd
}

func newSuggestCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Manage the search suggestion database",
	}
	cmd.AddCommand(newSuggestIngestCommand(opts))
	cmd.AddCommand(newSuggestQueryCommand(opts))
	return cmd
}

// openSuggest opens the suggestion store of the configured profile.
func openSuggest(cmd *cobra.Command, opts *rootOptions) (*suggest.Store, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating storage dir: %w", err)
	}
	log := toolLogger(cfg)
	store, err := suggest.Open(cmd.Context(), cfg.StoragePath(suggestDBFile), suggest.Options{
		Database: dbOptions(cfg, log),
		Logger:   log,
	})
	if err != nil {
		log.Close() //nolint:errcheck // Already failing
		return nil, nil, err
	}
	return store, func() {
		store.Close() //nolint:errcheck // Read-mostly tool
		log.Close()   //nolint:errcheck // Nothing left to log to
	}, nil
}

func newSuggestIngestCommand(opts *rootOptions) *cobra.Command {
	var recordID string

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a suggestions file",
		Long: `Ingest a JSON array of suggestions as published by the remote settings
service. The suggestions replace those previously ingested from the same
record, which defaults to the file name without its extension.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading suggestions: %w", err)
			}
			var suggestions []suggest.RemoteSuggestion
			if err := json.Unmarshal(data, &suggestions); err != nil {
				return fmt.Errorf("parsing suggestions: %w", err)
			}
			if recordID == "" {
				base := filepath.Base(args[0])
				recordID = strings.TrimSuffix(base, filepath.Ext(base))
			}

			store, closeStore, err := openSuggest(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Ingest(cmd.Context(), recordID, suggestions); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ingested %d suggestions from record %s\n", len(suggestions), recordID)
			return err
		},
	}
	cmd.Flags().StringVar(&recordID, "record", "", "record ID the suggestions belong to")

	return cmd
}

func newSuggestQueryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <keyword>",
		Short: "Look up suggestions for a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openSuggest(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			found, err := store.FetchByKeyword(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if found == nil {
				found = []suggest.Suggestion{}
			}
			return writeJSON(cmd.OutOrStdout(), found)
		},
	}
}
