// Package secrets redacts credentials from document text before it is
// chunked, embedded and indexed.
//
// Detection uses the gitleaks default ruleset. Each finding is replaced with
// a [REDACTED:<rule-id>] marker, which keeps some meaning for the embedding
// while dropping the secret itself. Findings never carry the secret value.
package secrets
