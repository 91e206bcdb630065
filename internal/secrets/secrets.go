// Package secrets loads the build-time-provisioned region/user/key tables.
//
// Nothing here changes at runtime: per spec.md's Non-goals ("no secure key
// exchange; keys are baked in at build"), the Table is read once at boot
// and held immutable for the process lifetime.
package secrets

import (
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// AES-256 and HMAC-SHA256 keys are both 32 bytes.
const symmetricKeySize = 32

// Region is one entry of the full region table.
type Region struct {
	ID   byte   `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// User is one entry of the full user table.
type User struct {
	ID   byte   `mapstructure:"id"`
	Name string `mapstructure:"name"`
	PIN  string `mapstructure:"pin"`
}

// document mirrors the on-disk secrets YAML, decoded via viper the same
// way internal/config decodes runtime tuning.
type document struct {
	AESKeyB64      string   `mapstructure:"aes_key"`
	HMACMDKeyB64   string   `mapstructure:"hmac_md_key"`
	HMACChunkKeyB64 string  `mapstructure:"hmac_chunk_key"`
	Regions        []Region `mapstructure:"regions"`
	Users          []User   `mapstructure:"users"`
	ProvisionedRIDs []int   `mapstructure:"provisioned_rids"`
	ProvisionedUIDs []int   `mapstructure:"provisioned_uids"`
}

// Table is the immutable, decoded secrets table: the full region/user
// tables plus the provisioned subsets and the three decoded symmetric
// keys (AES, metadata-HMAC, chunk-HMAC).
type Table struct {
	AESKey       []byte
	HMACMDKey    []byte
	HMACChunkKey []byte

	regions         map[byte]string
	users           map[byte]User
	provisionedRIDs map[byte]bool
	provisionedUIDs map[byte]bool

	// provisionedRIDOrder/provisionedUIDOrder hold the same sets as
	// provisionedRIDs/provisionedUIDs, but as slices in the order the
	// document listed them in, so query_player's region/user listings
	// come back in load order instead of Go's randomized map order.
	provisionedRIDOrder []byte
	provisionedUIDOrder []byte
}

// Load reads and decodes the secrets document at path.
func Load(path string) (*Table, error) {
	logger := logrus.WithField("component", "secrets")

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %q: %w", path, err)
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}

	aesKey, err := decodeKey(doc.AESKeyB64, "aes_key")
	if err != nil {
		return nil, err
	}
	hmacMDKey, err := decodeKey(doc.HMACMDKeyB64, "hmac_md_key")
	if err != nil {
		return nil, err
	}
	hmacChunkKey, err := decodeKey(doc.HMACChunkKeyB64, "hmac_chunk_key")
	if err != nil {
		return nil, err
	}

	t := &Table{
		AESKey:          aesKey,
		HMACMDKey:       hmacMDKey,
		HMACChunkKey:    hmacChunkKey,
		regions:         make(map[byte]string, len(doc.Regions)),
		users:           make(map[byte]User, len(doc.Users)),
		provisionedRIDs: make(map[byte]bool, len(doc.ProvisionedRIDs)),
		provisionedUIDs: make(map[byte]bool, len(doc.ProvisionedUIDs)),
	}
	for _, r := range doc.Regions {
		t.regions[r.ID] = r.Name
	}
	for _, u := range doc.Users {
		t.users[u.ID] = u
	}
	for _, rid := range doc.ProvisionedRIDs {
		b := byte(rid)
		t.provisionedRIDs[b] = true
		t.provisionedRIDOrder = append(t.provisionedRIDOrder, b)
	}
	for _, uid := range doc.ProvisionedUIDs {
		b := byte(uid)
		t.provisionedUIDs[b] = true
		t.provisionedUIDOrder = append(t.provisionedUIDOrder, b)
	}

	logger.WithFields(logrus.Fields{
		"regions":             len(t.regions),
		"users":               len(t.users),
		"provisioned_regions": len(t.provisionedRIDs),
		"provisioned_users":   len(t.provisionedUIDs),
	}).Info("loaded secrets table")

	return t, nil
}

func decodeKey(b64, field string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", field, err)
	}
	if len(key) != symmetricKeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", field, symmetricKeySize, len(key))
	}
	return key, nil
}

// RegionName resolves rid to a name using the full table. Returns
// "<unknown region>" and false on a miss, matching the original firmware's
// rid_to_region_name fallback.
func (t *Table) RegionName(rid byte) (string, bool) {
	if name, ok := t.regions[rid]; ok {
		return name, true
	}
	return "<unknown region>", false
}

// UserName resolves uid to a name using the full table. Returns
// "<unknown user>" and false on a miss.
func (t *Table) UserName(uid byte) (string, bool) {
	if u, ok := t.users[uid]; ok {
		return u.Name, true
	}
	return "<unknown user>", false
}

// IsProvisionedRegion reports whether rid is provisioned in this image.
func (t *Table) IsProvisionedRegion(rid byte) bool {
	return t.provisionedRIDs[rid]
}

// IsProvisionedUser reports whether uid is provisioned in this image.
func (t *Table) IsProvisionedUser(uid byte) bool {
	return t.provisionedUIDs[uid]
}

// ProvisionedRegionIDs returns the image's provisioned region set, in the
// stable order the underlying table was loaded in.
func (t *Table) ProvisionedRegionIDs() []byte {
	return append([]byte(nil), t.provisionedRIDOrder...)
}

// ProvisionedUserIDs returns the image's provisioned user set, in the
// stable order the underlying table was loaded in.
func (t *Table) ProvisionedUserIDs() []byte {
	return append([]byte(nil), t.provisionedUIDOrder...)
}

// FindProvisionedUserByName looks up a provisioned user by username. It is
// the only lookup login may use; unprovisioned users never authenticate
// even if present in the full table.
func (t *Table) FindProvisionedUserByName(username string) (User, bool) {
	for uid := range t.provisionedUIDs {
		u, ok := t.users[uid]
		if ok && u.Name == username {
			return u, true
		}
	}
	return User{}, false
}

// UserIDByName resolves a username to a uid, restricted to the provisioned
// subset when provisionedOnly is true.
func (t *Table) UserIDByName(username string, provisionedOnly bool) (byte, bool) {
	for uid, u := range t.users {
		if u.Name != username {
			continue
		}
		if provisionedOnly && !t.provisionedUIDs[uid] {
			continue
		}
		return uid, true
	}
	return 0, false
}
