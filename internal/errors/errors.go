package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// StorageError enhances storage backend errors with context
func StorageError(storageType string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s storage error during %s", storageType, operation),
		Suggestion: getStorageSuggestion(storageType, err),
		Err:        err,
	}
}

// getStorageSuggestion returns helpful suggestions based on storage type and error
func getStorageSuggestion(storageType string, err error) string {
	errStr := err.Error()

	switch storageType {
	case "aws_secrets_manager", "aws_parameter_store":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for secretsmanager:GetSecretValue, CreateSecret and PutSecretValue"
		}
		if strings.Contains(errStr, "ThrottlingException") {
			return "AWS rate limit exceeded. Wait a moment and retry the whole operation"
		}

	case "gcp_secret_manager":
		if strings.Contains(errStr, "PermissionDenied") || strings.Contains(errStr, "permission") {
			return "Grant roles/secretmanager.admin (or secretAccessor for read-only scopes) to the service account"
		}

	case "azure_key_vault":
		if strings.Contains(strings.ToLower(errStr), "forbidden") {
			return "Check Key Vault access policies: Get, Set and Delete permissions are required for secrets"
		}

	case "vault":
		if strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "403") {
			return "Check the Vault token policy grants create, read and update on the KV mount"
		}

	case "local":
		if strings.Contains(errStr, "connection refused") {
			return "Check that the database in the storage 'dsn' is reachable"
		}
	}

	// Generic suggestions
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and storage configuration"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, secretstore.ErrStorageUnavailable) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	var conflict references.StateConflictError
	if errors.As(err, &conflict) {
		return UserError{
			Message:    fmt.Sprintf("Secret %s was rotated concurrently", conflict.Base),
			Suggestion: "Reload the stored configuration and pass it again with --previous",
			Err:        err,
		}
	}
	if errors.Is(err, secretstore.ErrNotFound) {
		return UserError{
			Message:    "A referenced secret does not exist in its storage",
			Details:    err.Error(),
			Suggestion: "Check that the scope and storage match the ones used at split time",
			Err:        err,
		}
	}
	if errors.Is(err, coordinate.ErrMalformedCoordinate) {
		return UserError{
			Message: "Malformed secret coordinate",
			Details: err.Error(),
			Err:     err,
		}
	}

	if IsRetryable(err) {
		return UserError{
			Message:    "Secret storage is temporarily unavailable",
			Details:    err.Error(),
			Suggestion: "Retry the whole split or hydrate call",
			Err:        err,
		}
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "invalid character") || strings.Contains(errStr, "unexpected end of JSON") {
		return UserError{
			Message:    "Invalid JSON document",
			Suggestion: "Configurations and schemas must be valid JSON objects",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
