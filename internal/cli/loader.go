package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/metrics"
	"github.com/roach88/factsync/internal/remote"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/txlog"
)

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric = "E001" // Generic/unknown error
	ErrCodeConfig  = "E002" // Configuration missing or invalid
	ErrCodeStore   = "E003" // Local or log database error
	ErrCodeInput   = "E004" // Malformed command input

	// Sync errors, one per txlog kind
	ErrCodeNetwork               = "E101"
	ErrCodeBadRemoteResponse     = "E102"
	ErrCodeBadRemoteState        = "E103"
	ErrCodeDuplicateMetadata     = "E104"
	ErrCodeTxProcessorUnfinished = "E105"
	ErrCodeTxIncorrectlyMapped   = "E106"
	ErrCodeSerialization         = "E107"
	ErrCodeNotYetImplemented     = "E108"
	ErrCodeUnexpectedState       = "E109"
)

// InputError marks a problem with what the user handed the command.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// MapKindToErrorCode maps a txlog error kind to an error code.
func MapKindToErrorCode(kind txlog.Kind) string {
	switch kind {
	case txlog.KindNetwork:
		return ErrCodeNetwork
	case txlog.KindBadRemoteResponse:
		return ErrCodeBadRemoteResponse
	case txlog.KindBadRemoteState:
		return ErrCodeBadRemoteState
	case txlog.KindDuplicateMetadata:
		return ErrCodeDuplicateMetadata
	case txlog.KindTxProcessorUnfinished:
		return ErrCodeTxProcessorUnfinished
	case txlog.KindTxIncorrectlyMapped:
		return ErrCodeTxIncorrectlyMapped
	case txlog.KindSerialization:
		return ErrCodeSerialization
	case txlog.KindNotYetImplemented:
		return ErrCodeNotYetImplemented
	case txlog.KindStore:
		return ErrCodeStore
	case txlog.KindUnexpectedState:
		return ErrCodeUnexpectedState
	default:
		return ErrCodeGeneric
	}
}

// ErrorDetails is the structured context attached to sync failures.
type ErrorDetails struct {
	Kind       string `json:"kind"`
	Status     string `json:"status,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
}

// classify picks the error code and details for err.
func classify(err error) (string, any) {
	var logErr *txlog.Error
	if errors.As(err, &logErr) {
		return MapKindToErrorCode(logErr.Kind), ErrorDetails{
			Kind:       string(logErr.Kind),
			Status:     logErr.Status,
			StatusCode: logErr.StatusCode,
			Body:       logErr.Body,
		}
	}

	var cfgErrs config.Errors
	if errors.As(err, &cfgErrs) {
		fields := make([]string, len(cfgErrs))
		for i, e := range cfgErrs {
			fields[i] = e.Error()
		}
		return ErrCodeConfig, fields
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return ErrCodeConfig, nil
	}

	var inErr *InputError
	if errors.As(err, &inErr) {
		return ErrCodeInput, nil
	}
	return ErrCodeGeneric, nil
}

// loadConfig reads the file named by --config plus the environment, then
// lets apply override individual fields from command flags before the
// result is validated again.
func loadConfig(opts *RootOptions, apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if apply != nil {
		apply(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogging installs a text slog handler on w at the configured level.
// --verbose always selects debug.
func setupLogging(opts *RootOptions, cfg *config.Config, w io.Writer) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(opts.Verbose),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openLocal opens the replica store with the test overrides from opts.
func openLocal(opts *RootOptions, path string) (*store.Store, error) {
	var storeOpts []store.Option
	if opts.Now != nil {
		storeOpts = append(storeOpts, store.WithClock(opts.Now))
	}
	if opts.Entities != nil {
		storeOpts = append(storeOpts, store.WithAllocator(opts.Entities))
	}
	return store.Open(path, storeOpts...)
}

// openRemote builds a client for the configured namespace.
func openRemote(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*remote.Client, error) {
	if cfg.Client.BaseURL == "" {
		return nil, &config.Error{Path: "client.base_url", Message: "not set"}
	}
	ns, err := cfg.Client.NamespaceID()
	if err != nil {
		return nil, err
	}
	return remote.New(remote.Config{
		BaseURL:   cfg.Client.BaseURL,
		Namespace: ns,
		Timeout:   cfg.Client.Timeout,
	}, remote.WithMetrics(m), remote.WithLogger(logger))
}

// clientFlags registers the flags shared by commands that reach a remote.
func clientFlags(cmd *cobra.Command, remoteURL, namespace *string) {
	cmd.Flags().StringVar(remoteURL, "remote", "", "remote base URL (overrides client.base_url)")
	cmd.Flags().StringVar(namespace, "namespace", "", "remote namespace UUID (overrides client.namespace)")
}

// overrideString sets *dst when the named flag was given.
func overrideString(cmd *cobra.Command, flag string, dst *string, value string) {
	if cmd.Flags().Changed(flag) {
		*dst = value
	}
}
