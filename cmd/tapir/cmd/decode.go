package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tapir/session"
)

var (
	decodeJSONOutput bool
	decodeResolve    bool
)

type decodeResult struct {
	SessionID      int64      `json:"session_id"`
	UserID         int64      `json:"user_id"`
	IP             string     `json:"ip"`
	StartTime      time.Time  `json:"start_time"`
	Authorizations int        `json:"authorizations"`
	Signed         bool       `json:"signed"`
	Status         string     `json:"status,omitempty"`
	LastReissue    *time.Time `json:"last_reissue,omitempty"`
	InvalidatedAt  *time.Time `json:"invalidated_at,omitempty"`
}

var decodeCmd = &cobra.Command{
	Use:   "decode <credential>",
	Short: "Decode a session credential",
	Long: `Decodes a session credential with the configured delimiter and secret and
prints its fields. With --resolve the session is also looked up in the store
and its status reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := session.NewCodec(cfg.Session.Delimiter, []byte(cfg.Session.Secret))
		if err != nil {
			return err
		}
		defer codec.Close()
		cred, err := codec.Decode(args[0])
		if err != nil {
			return err
		}
		result := decodeResult{
			SessionID:      cred.SessionID,
			UserID:         cred.UserID,
			IP:             cred.IP,
			StartTime:      time.Unix(cred.StartTime, 0).UTC(),
			Authorizations: cred.Authorizations.Classic,
			Signed:         codec.Signed(),
		}

		if decodeResolve {
			engine, closeStore, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			s, err := engine.Resolve(cmd.Context(), args[0])
			result.Status = session.Outcome(err)
			if s != nil {
				result.LastReissue = &s.LastReissue
				if at, ok := s.State.InvalidatedAt(); ok {
					result.InvalidatedAt = &at
				}
			}
			if err != nil && !errors.Is(err, session.ErrSessionExpired) &&
				!errors.Is(err, session.ErrSessionInvalidated) && !errors.Is(err, session.ErrUnknownSession) {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if decodeJSONOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		printDecodeResult(out, result)
		return nil
	},
}

func printDecodeResult(w io.Writer, r decodeResult) {
	fmt.Fprintf(w, "Session ID:      %d\n", r.SessionID)
	fmt.Fprintf(w, "User ID:         %d\n", r.UserID)
	fmt.Fprintf(w, "IP:              %s\n", r.IP)
	fmt.Fprintf(w, "Start time:      %s\n", r.StartTime.Format(time.RFC3339))
	fmt.Fprintf(w, "Authorizations:  %d\n", r.Authorizations)
	fmt.Fprintf(w, "Signed:          %t\n", r.Signed)
	if r.Status == "" {
		return
	}
	fmt.Fprintf(w, "Status:          %s\n", r.Status)
	if r.LastReissue != nil {
		fmt.Fprintf(w, "Last reissue:    %s\n", r.LastReissue.Format(time.RFC3339))
	}
	if r.InvalidatedAt != nil {
		fmt.Fprintf(w, "Invalidated at:  %s\n", r.InvalidatedAt.Format(time.RFC3339))
	}
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVar(&decodeJSONOutput, "json", false, "Output results as JSON")
	decodeCmd.Flags().BoolVar(&decodeResolve, "resolve", false, "Look the session up in the store")
}
