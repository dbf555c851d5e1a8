// Package config owns the on-disk configuration format and turns it into
// the per-component configs the rest of the program consumes.
//
// The file is YAML. Secrets (account password, TOTP secret, mailbox
// password, solver API key) can be left out of the file and supplied via
// RENEWD_* environment variables instead; the environment always wins so
// a file checked into a dotfiles repo never needs to carry credentials.
package config
