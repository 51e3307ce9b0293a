// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package api

import (
	"strconv"
	"strings"
	"time"
)

// Timestamp represents a time generated by the GitHub API. GitHub is
// inconsistent and may serialize timestamps either as RFC3339 strings or
// as unix epoch integers (seconds or milliseconds).
type Timestamp struct {
	time.Time
}

func (t Timestamp) String() string {
	return t.Time.UTC().Format(time.RFC3339)
}

// MarshalJSON always serializes as an RFC3339 string in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.Time.UTC().Format(time.RFC3339))), nil
}

// UnmarshalJSON accepts RFC3339 strings and unix epoch integers. Epoch
// values larger than a plausible seconds range are treated as milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}

	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Heuristic cutover at 1e12: unix seconds will not reach it for
		// thousands of years, unix milliseconds crossed it in 2001.
		if epoch >= 1e12 {
			t.Time = time.UnixMilli(epoch).In(time.UTC)
		} else {
			t.Time = time.Unix(epoch, 0).In(time.UTC)
		}
		return nil
	}

	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		//nolint:wrapcheck // time parse errors are self describing.
		return err
	}
	t.Time = parsed
	return nil
}

// Equal reports whether t and u are equal based on [time.Time.Equal].
func (t Timestamp) Equal(u Timestamp) bool {
	return t.Time.Equal(u.Time)
}
