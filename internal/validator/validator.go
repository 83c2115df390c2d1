package validator

import (
	"fmt"
	"regexp"
	"strings"
)

func Username(username string) error {
	length := len(username)
	if length < 3 {
		return fmt.Errorf("short_username")
	} else if length > 32 {
		return fmt.Errorf("long_username")
	}

	const usernameRegex = `^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`
	if !regexp.MustCompile(usernameRegex).MatchString(strings.ToLower(username)) {
		return fmt.Errorf("bad_format")
	}

	return nil
}

func Password(password string) error {
	length := len(password)
	if length < 6 {
		return fmt.Errorf("short_password")
	} else if length > 64 {
		return fmt.Errorf("long_password")
	}

	lowercase := regexp.MustCompile(`[a-z]`)
	uppercase := regexp.MustCompile(`[A-Z]`)
	number := regexp.MustCompile(`\d`)

	if !lowercase.MatchString(password) {
		return fmt.Errorf("no_lowercase")
	}
	if !uppercase.MatchString(password) {
		return fmt.Errorf("no_uppercase")
	}
	if !number.MatchString(password) {
		return fmt.Errorf("no_number")
	}
	return nil
}

func ChannelName(name string) error {
	length := len(name)
	if length == 0 {
		return fmt.Errorf("empty_name")
	} else if length > 64 {
		return fmt.Errorf("long_name")
	}

	if strings.TrimSpace(name) != name {
		return fmt.Errorf("surrounding_whitespace")
	}
	if strings.ContainsAny(name, "\n\r\t") {
		return fmt.Errorf("control_characters")
	}
	return nil
}

func PermissionKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty_key")
	}
	if len(key) > 64 {
		return fmt.Errorf("long_key")
	}

	const keyRegex = `^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`
	if !regexp.MustCompile(keyRegex).MatchString(key) {
		return fmt.Errorf("bad_format")
	}
	return nil
}
