// veilkeys exports and imports megolm room keys from a local crypto store,
// using the portable passphrase-encrypted session file format.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/crypto/keyexport"
	"github.com/veilchat/veil/internal/credentials"
	"github.com/veilchat/veil/store/badgerstore"
)

var (
	storePath string
	userID    string
	pickleKey string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:          "veilkeys",
		Short:        "Export and import encrypted room keys",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&storePath, "store", "", "path to the crypto store directory")
	root.PersistentFlags().StringVar(&userID, "user", "", "matrix user id the store belongs to")
	root.PersistentFlags().StringVar(&pickleKey, "pickle-key", "", "override the keyring-stored pickle key")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(exportCmd(), importCmd(), forgetCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// resolveSession fills in --store and --user from the remembered session
// when either flag is omitted.
func resolveSession() error {
	if storePath != "" && userID != "" {
		return nil
	}
	meta, err := credentials.LoadSession()
	if err != nil {
		return fmt.Errorf("no stored session; pass --store and --user")
	}
	if storePath == "" {
		storePath = meta.StorePath
	}
	if userID == "" {
		userID = meta.UserID
	}
	if storePath == "" || userID == "" {
		return fmt.Errorf("stored session is incomplete; pass --store and --user")
	}
	return nil
}

func openVault(ctx context.Context, log zerolog.Logger) (*crypto.OlmDevice, *badgerstore.Store, error) {
	if err := resolveSession(); err != nil {
		return nil, nil, err
	}
	key := []byte(pickleKey)
	if len(key) == 0 {
		var err error
		key, err = credentials.LoadOrCreatePickleKey(userID)
		if err != nil {
			return nil, nil, fmt.Errorf("load pickle key: %w", err)
		}
	}
	store, err := badgerstore.Open(storePath, log)
	if err != nil {
		return nil, nil, err
	}
	device, err := crypto.NewOlmDevice(ctx, store, key, log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	// Remember this session so the flags can be omitted next time.
	if err := credentials.StoreSession(credentials.SessionMetadata{UserID: userID, StorePath: storePath}); err != nil {
		log.Warn().Err(err).Msg("failed to remember session")
	}
	return device, store, nil
}

func promptPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(pass) == 0 {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if string(pass) != string(again) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(pass), nil
}

func exportCmd() *cobra.Command {
	var outPath string
	var rounds int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all room keys to a passphrase-encrypted file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := newLogger()

			device, store, err := openVault(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := device.ExportAllInboundGroupSessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				return fmt.Errorf("no room keys to export")
			}

			passphrase, err := promptPassphrase(true)
			if err != nil {
				return err
			}
			data, err := keyexport.Export(sessions, passphrase, rounds)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Exported %d room keys to %s\n", len(sessions), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "room-keys.txt", "output file")
	cmd.Flags().IntVar(&rounds, "rounds", keyexport.DefaultRounds, "pbkdf2 iteration count")
	return cmd
}

func importCmd() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import room keys from an exported file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := newLogger()

			data, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}
			passphrase, err := promptPassphrase(false)
			if err != nil {
				return err
			}
			sessions, err := keyexport.Import(data, passphrase)
			if err != nil {
				return err
			}

			device, store, err := openVault(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			imported, err := device.ImportInboundGroupSessions(ctx, sessions)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Imported %d of %d room keys\n", imported, len(sessions))
			return nil
		},
	}
	cmd.Flags().StringVarP(&inPath, "in", "i", "room-keys.txt", "input file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Forget the remembered session and its pickle key",
		RunE: func(_ *cobra.Command, _ []string) error {
			if userID == "" {
				meta, err := credentials.LoadSession()
				if err != nil {
					return fmt.Errorf("no stored session to forget")
				}
				userID = meta.UserID
			}
			credentials.DeleteSession()
			credentials.DeletePickleKey(userID)
			fmt.Fprintf(os.Stderr, "Forgot session for %s\n", userID)
			return nil
		},
	}
}
