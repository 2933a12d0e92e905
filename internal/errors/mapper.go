package errors

import (
	"context"
	"errors"
	"fmt"
)

var categories = []struct {
	err  error
	name string
}{
	{ErrProtocol, "ErrProtocol"},
	{ErrConfig, "ErrConfig"},
	{ErrExtraction, "ErrExtraction"},
	{ErrCompilation, "ErrCompilation"},
	{ErrIntegrity, "ErrIntegrity"},
	{ErrLoad, "ErrLoad"},
	{ErrInterface, "ErrInterface"},
	{ErrExecutionTrap, "ErrExecutionTrap"},
}

// Category returns the taxonomy name for an error
func Category(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "Unknown"
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory attaches a category to an error while keeping the original cause
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w: %w", message, category, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Config wraps a message as a configuration error
func Config(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConfig)
}

// Load wraps err as an artifact load error
func Load(err error, message string) error {
	return WrapWithCategory(err, message, ErrLoad)
}

// Interface wraps a message as an entry point interface error
func Interface(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInterface)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
