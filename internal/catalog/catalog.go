// Package catalog parses and validates the skill catalog index.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

var (
	// ErrMalformedIndex is returned when the index document itself cannot be read
	ErrMalformedIndex = errors.New("malformed catalog index")
	// ErrSkillNotFound is returned by Lookup when no entry matches
	ErrSkillNotFound = errors.New("skill not found in catalog")
)

var (
	skillIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	versionPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?$`)
	sha256Pattern  = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Compat narrows which agents may install an entry
type Compat struct {
	MinAgentVersion string   `json:"min_agent_version,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// Entry is one immutable skill version. A new version is a new entry.
type Entry struct {
	SkillID     string `json:"skill_id"`
	Version     string `json:"version"`
	ArchiveURL  string `json:"archive_url"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	Compat      Compat `json:"compat,omitzero"`
	Description string `json:"description,omitempty"`
}

// RejectedEntry records why an index entry was skipped
type RejectedEntry struct {
	Index   int    `json:"index"`
	SkillID string `json:"skill_id,omitempty"`
	Version string `json:"version,omitempty"`
	Reason  string `json:"reason"`
}

// Index is a parsed catalog: the valid entries and the rejected ones
type Index struct {
	Entries  []Entry         `json:"entries"`
	Rejected []RejectedEntry `json:"rejected,omitempty"`
}

// ParseOptions relaxes validation for local testing
type ParseOptions struct {
	AllowInsecureHTTP bool
}

type document struct {
	Skills []json.RawMessage `json:"skills"`
}

// Parse reads an index document. Comments and trailing commas are accepted.
// Each entry is validated on its own; malformed entries land in Rejected
// without failing the parse.
func Parse(data []byte, opts ParseOptions) (*Index, error) {
	clean := jsonc.ToJSON(data)

	var raw []json.RawMessage
	trimmed := strings.TrimSpace(string(clean))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(clean, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
		}
	} else {
		var doc document
		if err := json.Unmarshal(clean, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
		}
		raw = doc.Skills
	}

	index := &Index{Entries: make([]Entry, 0, len(raw))}
	seen := make(map[string]bool, len(raw))
	for i, item := range raw {
		var entry Entry
		if err := json.Unmarshal(item, &entry); err != nil {
			index.Rejected = append(index.Rejected, RejectedEntry{Index: i, Reason: "not an object: " + err.Error()})
			continue
		}
		entry.SHA256 = strings.ToLower(strings.TrimSpace(entry.SHA256))
		if err := Validate(&entry, opts); err != nil {
			index.Rejected = append(index.Rejected, RejectedEntry{
				Index: i, SkillID: entry.SkillID, Version: entry.Version, Reason: err.Error(),
			})
			continue
		}
		key := entry.SkillID + "@" + entry.Version
		if seen[key] {
			index.Rejected = append(index.Rejected, RejectedEntry{
				Index: i, SkillID: entry.SkillID, Version: entry.Version, Reason: "duplicate skill version",
			})
			continue
		}
		seen[key] = true
		index.Entries = append(index.Entries, entry)
	}
	return index, nil
}

// Validate checks a single entry
func Validate(e *Entry, opts ParseOptions) error {
	if !skillIDPattern.MatchString(e.SkillID) {
		return fmt.Errorf("invalid skill_id %q", e.SkillID)
	}
	if !versionPattern.MatchString(e.Version) {
		return fmt.Errorf("invalid version %q", e.Version)
	}
	if err := ValidateSourceURL(e.ArchiveURL, opts.AllowInsecureHTTP); err != nil {
		return err
	}
	if !sha256Pattern.MatchString(e.SHA256) {
		return errors.New("sha256 must be 64 hex characters")
	}
	if e.SizeBytes <= 0 {
		return errors.New("size_bytes must be positive")
	}
	if e.Compat.MinAgentVersion != "" && !versionPattern.MatchString(e.Compat.MinAgentVersion) {
		return fmt.Errorf("invalid compat.min_agent_version %q", e.Compat.MinAgentVersion)
	}
	return nil
}

// ValidateSourceURL accepts https and s3 URLs, and plain http when allowed
func ValidateSourceURL(raw string, allowHTTP bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid archive_url: %v", err)
	}
	switch u.Scheme {
	case "https":
	case "s3":
		if strings.Trim(u.Path, "/") == "" {
			return errors.New("s3 archive_url needs a key")
		}
	case "http":
		if !allowHTTP {
			return errors.New("archive_url must use https or s3")
		}
	default:
		return fmt.Errorf("unsupported archive_url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("archive_url has no host")
	}
	return nil
}

// Lookup returns the entry for skillID at version, or the highest version when
// version is empty.
func (idx *Index) Lookup(skillID, version string) (*Entry, error) {
	var best *Entry
	for i := range idx.Entries {
		e := &idx.Entries[i]
		if e.SkillID != skillID {
			continue
		}
		if version != "" {
			if e.Version == version {
				return e, nil
			}
			continue
		}
		if best == nil || CompareVersions(e.Version, best.Version) > 0 {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrSkillNotFound, skillID, version)
	}
	return best, nil
}

// CompareVersions orders two x.y.z[-pre] versions. A pre-release sorts before
// its release; pre-release tags compare lexically.
func CompareVersions(a, b string) int {
	coreA, preA, _ := strings.Cut(a, "-")
	coreB, preB, _ := strings.Cut(b, "-")
	partsA := strings.Split(coreA, ".")
	partsB := strings.Split(coreB, ".")
	for i := 0; i < 3; i++ {
		na, nb := part(partsA, i), part(partsB, i)
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	switch {
	case preA == preB:
		return 0
	case preA == "":
		return 1
	case preB == "":
		return -1
	default:
		return strings.Compare(preA, preB)
	}
}

func part(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, _ := strconv.Atoi(parts[i])
	return n
}
