package validator_test

import (
	"fmt"
	"testing"

	"speakeasy-server/internal/validator"
)

func TestUsername(t *testing.T) {
	tests := []struct {
		name          string
		username      string
		expectedError error
	}{
		// valid cases
		{
			name:          "Valid: Simple lowercase",
			username:      "admin",
			expectedError: nil,
		},
		{
			name:          "Valid: Mixed case is folded",
			username:      "CaseFolded",
			expectedError: nil,
		},
		{
			name:          "Valid: Dots, dashes and underscores inside",
			username:      "first.last_name-x",
			expectedError: nil,
		},
		{
			name:          "Valid: Minimum length (3 chars)",
			username:      "abc",
			expectedError: nil,
		},

		// length
		{
			name:          "Error: Too short",
			username:      "ab",
			expectedError: fmt.Errorf("short_username"),
		},
		{
			name:          "Error: Too long (33 characters)",
			username:      "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			expectedError: fmt.Errorf("long_username"),
		},

		// bad format
		{
			name:          "Error: Leading dot",
			username:      ".user",
			expectedError: fmt.Errorf("bad_format"),
		},
		{
			name:          "Error: Trailing dash",
			username:      "user-",
			expectedError: fmt.Errorf("bad_format"),
		},
		{
			name:          "Error: Contains space",
			username:      "some user",
			expectedError: fmt.Errorf("bad_format"),
		},
		{
			name:          "Error: Contains slash",
			username:      "some/user",
			expectedError: fmt.Errorf("bad_format"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Username(tc.username)

			if tc.expectedError == nil {
				if err != nil {
					t.Errorf("Username(%q) failed unexpectedly: got error %v, want nil", tc.username, err)
				}
				return
			}

			if err == nil {
				t.Errorf("Username(%q) passed unexpectedly: got nil, want error %v", tc.username, tc.expectedError)
				return
			}

			if err.Error() != tc.expectedError.Error() {
				t.Errorf("Username(%q) got error %q, want error %q", tc.username, err.Error(), tc.expectedError.Error())
			}
		})
	}
}

func TestPassword(t *testing.T) {
	tests := []struct {
		name          string
		password      string
		expectedError error
	}{
		{
			name:          "Valid Password: Minimum Length",
			password:      "aA1bB2",
			expectedError: nil,
		},
		{
			name:          "Valid Password: Mixed Case and Symbols",
			password:      "NewPw_2024!",
			expectedError: nil,
		},

		{
			name:          "Error: Password Too Short",
			password:      "aA1",
			expectedError: fmt.Errorf("short_password"),
		},
		{
			name:          "Error: Missing Lowercase Character",
			password:      "AABBCC1234",
			expectedError: fmt.Errorf("no_lowercase"),
		},
		{
			name:          "Error: Missing Uppercase Character",
			password:      "aabbcc1234",
			expectedError: fmt.Errorf("no_uppercase"),
		},
		{
			name:          "Error: Missing Number",
			password:      "PasswordABC",
			expectedError: fmt.Errorf("no_number"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Password(tc.password)

			if tc.expectedError == nil {
				if err != nil {
					t.Errorf("Password(%q) failed unexpectedly: got error %v, want nil", tc.password, err)
				}
				return
			}

			if err == nil {
				t.Errorf("Password(%q) passed unexpectedly: got nil, want error %v", tc.password, tc.expectedError)
				return
			}

			if err.Error() != tc.expectedError.Error() {
				t.Errorf("Password(%q) got error %q, want error %q", tc.password, err.Error(), tc.expectedError.Error())
			}
		})
	}
}

func TestChannelName(t *testing.T) {
	tests := []struct {
		name          string
		channelName   string
		expectedError error
	}{
		{
			name:          "Valid: Plain name",
			channelName:   "Lobby",
			expectedError: nil,
		},
		{
			name:          "Valid: Name with spaces inside",
			channelName:   "Team Room 1",
			expectedError: nil,
		},
		{
			name:          "Error: Empty",
			channelName:   "",
			expectedError: fmt.Errorf("empty_name"),
		},
		{
			name:          "Error: Leading whitespace",
			channelName:   " Lobby",
			expectedError: fmt.Errorf("surrounding_whitespace"),
		},
		{
			name:          "Error: Newline inside",
			channelName:   "Lob\nby",
			expectedError: fmt.Errorf("control_characters"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.ChannelName(tc.channelName)

			if tc.expectedError == nil {
				if err != nil {
					t.Errorf("ChannelName(%q) failed unexpectedly: got error %v, want nil", tc.channelName, err)
				}
				return
			}

			if err == nil {
				t.Errorf("ChannelName(%q) passed unexpectedly: got nil, want error %v", tc.channelName, tc.expectedError)
				return
			}

			if err.Error() != tc.expectedError.Error() {
				t.Errorf("ChannelName(%q) got error %q, want error %q", tc.channelName, err.Error(), tc.expectedError.Error())
			}
		})
	}
}

func TestPermissionKey(t *testing.T) {
	tests := []struct {
		name          string
		key           string
		expectedError error
	}{
		{
			name:          "Valid: Verb namespace",
			key:           "channel.create",
			expectedError: nil,
		},
		{
			name:          "Valid: Three segments",
			key:           "client.ban.permanent",
			expectedError: nil,
		},
		{
			name:          "Error: Empty",
			key:           "",
			expectedError: fmt.Errorf("empty_key"),
		},
		{
			name:          "Error: Single segment",
			key:           "create",
			expectedError: fmt.Errorf("bad_format"),
		},
		{
			name:          "Error: Uppercase",
			key:           "Channel.Create",
			expectedError: fmt.Errorf("bad_format"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.PermissionKey(tc.key)

			if tc.expectedError == nil {
				if err != nil {
					t.Errorf("PermissionKey(%q) failed unexpectedly: got error %v, want nil", tc.key, err)
				}
				return
			}

			if err == nil {
				t.Errorf("PermissionKey(%q) passed unexpectedly: got nil, want error %v", tc.key, tc.expectedError)
				return
			}

			if err.Error() != tc.expectedError.Error() {
				t.Errorf("PermissionKey(%q) got error %q, want error %q", tc.key, err.Error(), tc.expectedError.Error())
			}
		})
	}
}
