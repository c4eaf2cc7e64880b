package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"petrel/internal/auth"
	"petrel/internal/conf"
	"petrel/internal/db"
)

var (
	password  string
	plainText bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts in the store",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an account with its default mailboxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *db.DBManager) error {
			stored, kind, err := credential(cmd.InOrStdin())
			if err != nil {
				return err
			}
			id, err := store.CreateUser(ctx, args[0], stored, kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (id %d)\n", db.NormalizeUsername(args[0]), id)
			return nil
		})
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Replace the password of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *db.DBManager) error {
			stored, kind, err := credential(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return store.SetPassword(ctx, args[0], stored, kind)
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Remove an account and all of its mail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *db.DBManager) error {
			return store.DeleteUser(ctx, args[0])
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{userAddCmd, userPasswdCmd} {
		c.Flags().StringVar(&password, "password", "", "password; read from stdin when omitted")
		c.Flags().BoolVar(&plainText, "plain", false, "store the password in clear text, needed for CRAM-MD5")
	}
	userCmd.AddCommand(userAddCmd, userPasswdCmd, userDeleteCmd)
}

// credential returns the password as stored and its type.
func credential(stdin io.Reader) (string, string, error) {
	pw := password
	if pw == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", "", errors.Wrap(err, "failed to read password")
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if pw == "" {
		return "", "", errors.New("empty password")
	}
	if plainText {
		return pw, db.PasswordPlain, nil
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return "", "", err
	}
	return hash, db.PasswordBcrypt, nil
}

func withStore(ctx context.Context, fn func(context.Context, *db.DBManager) error) error {
	cfg, err := conf.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	store, err := db.NewDBManager(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
