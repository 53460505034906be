package dataserv

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/wijnen/userdata/internal/token"
)

// pendingTTL bounds how long a login prompt may sit unused before its dcid
// expires.
const pendingTTL = 15 * time.Minute

// dcidEntry binds a dcid to the game session it authorises.
type dcidEntry struct {
	gcid   string
	gameID uint64
	// The connection the game created the dcid on; setup_connect_player
	// goes back out on it.
	game *conn
}

// dcids tracks the data-side tokens. Pending entries expire; active
// entries live until dropped.
type dcids struct {
	cache *gocache.Cache
	// byGCID makes create_dcid idempotent per session, so a logout
	// round-trip hands the same dcid back.
	byGCID *gocache.Cache
}

func newDCIDs() *dcids {
	return &dcids{
		cache:  gocache.New(pendingTTL, time.Minute),
		byGCID: gocache.New(pendingTTL, time.Minute),
	}
}

// Create mints a dcid for a gcid, or returns the one already bound to it.
func (d *dcids) Create(gcid string, gameID uint64, game *conn) string {
	if existing, found := d.byGCID.Get(gcid); found {
		return existing.(string)
	}
	dcid := token.New()
	for _, found := d.cache.Get(dcid); found; _, found = d.cache.Get(dcid) {
		dcid = token.New()
	}
	d.cache.Set(dcid, &dcidEntry{gcid: gcid, gameID: gameID, game: game}, pendingTTL)
	d.byGCID.Set(gcid, dcid, pendingTTL)
	return dcid
}

// Lookup resolves a dcid a player presented.
func (d *dcids) Lookup(dcid string) (*dcidEntry, bool) {
	v, found := d.cache.Get(dcid)
	if !found {
		return nil, false
	}
	return v.(*dcidEntry), true
}

// Activate removes the expiry from a dcid whose player logged in.
func (d *dcids) Activate(dcid string) {
	if v, found := d.cache.Get(dcid); found {
		entry := v.(*dcidEntry)
		d.cache.Set(dcid, entry, gocache.NoExpiration)
		d.byGCID.Set(entry.gcid, dcid, gocache.NoExpiration)
	}
}

// Drop forgets a dcid, pending or active.
func (d *dcids) Drop(dcid string) {
	if v, found := d.cache.Get(dcid); found {
		d.byGCID.Delete(v.(*dcidEntry).gcid)
	}
	d.cache.Delete(dcid)
}
