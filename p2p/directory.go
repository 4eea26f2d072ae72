package p2p

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

// NodeRecord is one directory entry describing a reachable node.
type NodeRecord struct {
	ID        common.Address `json:"id"`
	Pubkey    string         `json:"pubkey"`
	Addr      string         `json:"addr"`
	NetworkID string         `json:"network_id"`
	Role      string         `json:"role"`
	Pioneer   bool           `json:"pioneer,omitempty"`
	LastSeen  int64          `json:"last_seen,omitempty"`
	Distance  float64        `json:"distance_km,omitempty"`
}

// SignedRoster is the coordinator's answer to a roster query: the known
// nodes, closest first when a location hint was given, signed by the
// coordinator key.
type SignedRoster struct {
	Records  []NodeRecord `json:"records"`
	IssuedAt int64        `json:"issued_at"`
	Sig      string       `json:"sig,omitempty"`
}

// HashRoster returns the canonical digest of a roster. The signature field
// is zeroed before hashing so the digest is stable across re-signings.
func HashRoster(r SignedRoster) common.Hash {
	r.Sig = ""
	b, _ := json.Marshal(r)
	return crypto.Sha3Hash(b)
}

// Directory is an external node directory. The server registers itself
// periodically and queries for fresh candidates when the peer set runs low.
type Directory interface {
	Roster(ctx context.Context, location string) ([]NodeRecord, error)
	Register(ctx context.Context, record NodeRecord) error
}

var (
	errRosterSignature = errors.New("p2p: invalid roster signature")
	errRosterExpired   = errors.New("p2p: roster too old")
)

// maxRosterAge rejects replayed roster responses.
const maxRosterAge = time.Hour

// HTTPDirectory talks to a coordinator over its HTTP API. When a
// coordinator key is configured, roster responses must carry a valid
// signature over the canonical roster digest.
type HTTPDirectory struct {
	base   string
	key    crypto.PublicKey
	client *http.Client
}

// NewHTTPDirectory returns a directory client for the coordinator at base.
// A nil coordinator key disables roster signature checks.
func NewHTTPDirectory(base string, coordinatorKey crypto.PublicKey) *HTTPDirectory {
	return &HTTPDirectory{
		base:   base,
		key:    coordinatorKey,
		client: &http.Client{Timeout: directoryTimeout},
	}
}

// Roster fetches the node roster, optionally biased towards a location hint.
func (d *HTTPDirectory) Roster(ctx context.Context, location string) ([]NodeRecord, error) {
	endpoint := d.base + "/v1/roster"
	if location != "" {
		endpoint += "?location=" + url.QueryEscape(location)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("p2p: roster query returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var roster SignedRoster
	if err := json.Unmarshal(body, &roster); err != nil {
		return nil, err
	}
	if len(d.key) > 0 {
		sig, err := hex.DecodeString(roster.Sig)
		if err != nil || !crypto.Verify(d.key, HashRoster(roster).Bytes(), sig) {
			return nil, errRosterSignature
		}
		if age := time.Since(time.UnixMilli(roster.IssuedAt)); age > maxRosterAge || age < -maxRosterAge {
			return nil, errRosterExpired
		}
	}
	return roster.Records, nil
}

// Register announces this node's record to the coordinator.
func (d *HTTPDirectory) Register(ctx context.Context, record NodeRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/v1/nodes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("p2p: registration returned status %d", resp.StatusCode)
	}
	return nil
}

// SignRoster seals a roster with the coordinator key, for coordinator
// implementations and tests.
func SignRoster(r *SignedRoster, key crypto.PrivateKey) {
	r.Sig = hex.EncodeToString(crypto.Sign(key, HashRoster(*r).Bytes()))
}
