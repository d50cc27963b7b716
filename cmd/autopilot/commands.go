package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"autopilot/internal/auth"
	"autopilot/internal/config"
	"autopilot/internal/credentials"
)

func usage() {
	fmt.Fprint(os.Stderr, `autopilot [command] [flags]

Commands:
  serve    run the supervisor and operator API (default)
  token    mint an operator bearer token
           -sub <name> -role admin|viewer [-ttl 24h]
  creds    store exchange credentials in the badger store
           put -ref <ref> -key <api key> -secret <api secret>

Env:
  AP_CONFIG     config file (default config/config.yaml)
  AP_ENV_ONLY   true to skip the config file
`)
}

func tokenCmd(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject (operator name)")
	role := fs.String("role", auth.RoleViewer, "admin or viewer")
	ttl := fs.Duration("ttl", cfg.Server.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	j := auth.JWT{Secret: []byte(cfg.Server.Auth.JWTSecret), TokenTTL: *ttl}
	tok, exp, err := j.Issue(*sub, *role)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "expires:", exp.Format(time.RFC3339))
	return nil
}

func credsCmd(cfg config.Config, args []string) error {
	if len(args) == 0 || args[0] != "put" {
		usage()
		return errors.New("usage: autopilot creds put -ref <ref> -key <key> -secret <secret>")
	}
	fs := flag.NewFlagSet("creds put", flag.ContinueOnError)
	ref := fs.String("ref", "", "credential ref (defaults to the user id at lookup)")
	key := fs.String("key", "", "exchange api key")
	secret := fs.String("secret", "", "exchange api secret")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.Credentials.Driver), "badger") {
		return fmt.Errorf("credentials.driver is %q; put needs badger", cfg.Credentials.Driver)
	}
	store, err := openBadger(cfg.Credentials)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Put(*ref, credentials.Credentials{APIKey: *key, APISecret: *secret}); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "stored", strings.TrimSpace(*ref))
	return nil
}
