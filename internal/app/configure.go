package app

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

// Configure runs the interactive account setup wizard, stores backend
// passwords in the system keyring, and appends the new account to the
// configuration file.
func Configure(configPath string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	var name string
	var defaultSide string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Account name").
				Description("Identifies this account in reports, cache and lock files.").
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("the account name must not be empty")
					}
					if _, err := cfg.Account(s); err == nil {
						return fmt.Errorf("account %q already exists", s)
					}
					return nil
				}).
				Value(&name),
			huh.NewSelect[string]().
				Title("Conflict tie-break side").
				Description("Which side wins a flag conflict no timestamp can settle.").
				Options(
					huh.NewOption("Right (remote)", string(model.SideRight)),
					huh.NewOption("Left (local)", string(model.SideLeft)),
				).
				Value(&defaultSide),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	account := model.AccountConfig{
		Name:        name,
		MaxWorkers:  4,
		DefaultSide: defaultSide,
	}

	if account.Left, err = configureBackend(name, "left"); err != nil {
		return err
	}
	if account.Right, err = configureBackend(name, "right"); err != nil {
		return err
	}
	if err := account.Validate(); err != nil {
		return err
	}

	cfg.Accounts = append(cfg.Accounts, account)
	if err := model.SaveConfig(configPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Account %s added to %s.\n", name, configPath)
	return nil
}

// configureBackend collects one side's backend settings.
func configureBackend(account, side string) (model.BackendConfig, error) {
	var cfg model.BackendConfig

	kind := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("%s backend", side)).
				Options(
					huh.NewOption("IMAP server", "imap"),
					huh.NewOption("Maildir directory", "maildir"),
					huh.NewOption("Notmuch database", "notmuch"),
				).
				Value(&cfg.Type),
		),
	)
	if err := kind.Run(); err != nil {
		return cfg, err
	}

	if cfg.Type != "imap" {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Root directory").
					Description("The Maildir root, or the directory notmuch indexes.").
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("the directory must not be empty")
						}
						return nil
					}).
					Value(&cfg.RootDir),
			),
		)
		return cfg, form.Run()
	}

	var password string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Host").
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("the host must not be empty")
					}
					return nil
				}).
				Value(&cfg.Host),
			huh.NewInput().
				Title("Port").
				Description("Leave empty for the default (993 with TLS, 143 without).").
				Value(&cfg.Port),
			huh.NewInput().
				Title("Login").
				Value(&cfg.Login),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
			huh.NewConfirm().
				Title("Implicit TLS?").
				Description("No selects STARTTLS on a cleartext port.").
				Value(&cfg.TLS),
		),
	)
	if err := form.Run(); err != nil {
		return cfg, err
	}

	cfg.PasswordKey = fmt.Sprintf("%s-%s-password", account, side)
	if err := credential.Set(cfg.PasswordKey, password); err != nil {
		return cfg, err
	}
	return cfg, nil
}
