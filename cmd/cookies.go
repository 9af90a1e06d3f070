package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-crawler/internal/app"
)

func newCookiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookies",
		Short: "Manage stored cookie identities",
	}
	cmd.AddCommand(newCookiesListCmd())
	cmd.AddCommand(newCookiesSaveCmd())
	cmd.AddCommand(newCookiesDeleteCmd())
	cmd.AddCommand(newCookiesValidateCmd())
	return cmd
}

func newCookiesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored cookies with today's usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := a.Governor().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list cookies: %w", err)
			}
			return printJSON(cmd, map[string]any{"cookies": ids})
		},
	}
}

func newCookiesSaveCmd() *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "save NAME",
		Short: "Validate and store a cookie string under NAME",
		Long:  "Stores the cookie given by --cookie, or read from stdin when the flag is empty.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if raw == "" {
				if raw, err = readCookie(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if err := a.Governor().Save(args[0], raw); err != nil {
				return fmt.Errorf("save cookie %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved cookie %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&raw, "cookie", "", "raw cookie string")
	return cmd
}

func newCookiesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a stored cookie",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Governor().Delete(args[0]); err != nil {
				return fmt.Errorf("delete cookie %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted cookie %s\n", args[0])
			return err
		},
	}
}

func newCookiesValidateCmd() *cobra.Command {
	var (
		raw        string
		city       string
		categories []string
	)
	cmd := &cobra.Command{
		Use:   "validate [NAME]",
		Short: "Check a cookie's format and, with --city, its usage restrictions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			switch {
			case len(args) == 1:
				if raw, err = a.Governor().Load(args[0]); err != nil {
					return fmt.Errorf("load cookie %s: %w", args[0], err)
				}
			case raw == "":
				if raw, err = readCookie(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if err := a.Governor().ValidateFormat(raw); err != nil {
				return err
			}
			if city == "" {
				hash, err := a.Governor().Hash(raw)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"valid": true, "cookie_hash": hash})
			}
			return checkRestrictions(cmd, a, raw, city, categories)
		},
	}
	cmd.Flags().StringVar(&raw, "cookie", "", "raw cookie string (ignored when NAME is given)")
	cmd.Flags().StringVar(&city, "city", "", "city name or code to check restrictions for")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "category names or codes for the combination check")
	return cmd
}

func checkRestrictions(cmd *cobra.Command, a *app.App, raw, city string, categories []string) error {
	cityEntry, err := a.Catalog().ResolveCity(city)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		entry, err := a.Catalog().ResolveCategory(c)
		if err != nil {
			return err
		}
		names = append(names, entry.Name)
	}
	result, err := a.Governor().CheckRestrictions(cmd.Context(), raw, cityEntry.Name, names)
	if err != nil {
		return fmt.Errorf("check restrictions: %w", err)
	}
	return printJSON(cmd, result)
}

func readCookie(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read cookie from stdin: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", errors.New("no cookie given: pass --cookie or pipe it on stdin")
	}
	return raw, nil
}
