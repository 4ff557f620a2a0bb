package registry

import (
	"fmt"
	"net"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/storage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Archive writes the saved peers to the store.
func (r *Registry) Archive() error {
	r.mu.Lock()
	records := make([]storage.HostRecord, 0, len(r.saved))
	for _, p := range r.saved {
		rec := storage.HostRecord{Identifier: p.Identifier, Name: p.Name}
		if p.Address != nil {
			rec.Address = p.Address.String()
		}
		records = append(records, rec)
	}
	r.mu.Unlock()
	if err := r.store.SetSavedHosts(records); err != nil {
		return fmt.Errorf("Archive: %w", err)
	}
	return nil
}

// Unarchive loads the saved peers from the store. Loaded peers are not discovered until discovery
// finds them again. Peers that were found already move into the saved set.
func (r *Registry) Unarchive() error {
	records, err := r.store.SavedHosts()
	if err != nil {
		return fmt.Errorf("Unarchive: %w", err)
	}
	r.mu.Lock()
	for _, rec := range records {
		if rec.Identifier == "" || find(r.saved, rec.Identifier) != nil {
			continue
		}
		p := find(r.found, rec.Identifier)
		if p != nil {
			r.found = without(r.found, rec.Identifier)
		} else {
			p = ios.NewPeer(rec.Identifier)
			if rec.Name != "" {
				p.Name = rec.Name
			}
			if ip := net.ParseIP(rec.Address); ip != nil {
				p.UpdateAddress(ip)
			}
		}
		r.saved = append(r.saved, p)
	}
	count := len(r.saved)
	r.mu.Unlock()
	log.WithField("count", count).Debug("loaded saved peers")
	r.publish(Change{Kind: PeersChanged})
	return nil
}

// AddFavorite adds appID to the favorites of peerID. Adding a favorite twice does nothing, but the
// change notification is still sent.
func (r *Registry) AddFavorite(appID, peerID string) error {
	favorites, err := r.Favorites(peerID)
	if err != nil {
		return fmt.Errorf("AddFavorite: %w", err)
	}
	if !slices.Contains(favorites, appID) {
		favorites = append(favorites, appID)
		if err := r.store.SetHostValue(peerID, storage.KeyFavorites, favorites); err != nil {
			return fmt.Errorf("AddFavorite: %w", err)
		}
	}
	r.publish(Change{Kind: FavoritesChanged, Identifier: peerID})
	return nil
}

// RemoveFavorite removes appID from the favorites of peerID.
func (r *Registry) RemoveFavorite(appID, peerID string) error {
	favorites, err := r.Favorites(peerID)
	if err != nil {
		return fmt.Errorf("RemoveFavorite: %w", err)
	}
	if i := slices.Index(favorites, appID); i >= 0 {
		favorites = slices.Delete(favorites, i, i+1)
		if err := r.store.SetHostValue(peerID, storage.KeyFavorites, favorites); err != nil {
			return fmt.Errorf("RemoveFavorite: %w", err)
		}
	}
	r.publish(Change{Kind: FavoritesChanged, Identifier: peerID})
	return nil
}

// Favorites returns the favorite app identifiers of peerID in the order they were added.
func (r *Registry) Favorites(peerID string) ([]string, error) {
	var favorites []string
	if _, err := r.store.HostValue(peerID, storage.KeyFavorites, &favorites); err != nil {
		return nil, fmt.Errorf("Favorites: %w", err)
	}
	return favorites, nil
}

// SavePairing remembers the pairing file of a host. An empty name deletes it.
func (r *Registry) SavePairing(peerID, pairing string) error {
	if err := r.store.SetHostValue(peerID, storage.KeyPairing, nonEmpty(pairing)); err != nil {
		return fmt.Errorf("SavePairing: %w", err)
	}
	return nil
}

// LoadPairing returns the pairing file name of a host, or an empty string.
func (r *Registry) LoadPairing(peerID string) (string, error) {
	var pairing string
	if _, err := r.store.HostValue(peerID, storage.KeyPairing, &pairing); err != nil {
		return "", fmt.Errorf("LoadPairing: %w", err)
	}
	return pairing, nil
}

// SaveDiskImage remembers the developer image and its signature for a host. Empty names delete them.
func (r *Registry) SaveDiskImage(peerID, image, signature string) error {
	if err := r.store.SetHostValue(peerID, storage.KeyDiskImage, nonEmpty(image)); err != nil {
		return fmt.Errorf("SaveDiskImage: %w", err)
	}
	if err := r.store.SetHostValue(peerID, storage.KeyDiskImageSignature, nonEmpty(signature)); err != nil {
		return fmt.Errorf("SaveDiskImage: %w", err)
	}
	return nil
}

// LoadDiskImage returns the developer image and signature of a host.
func (r *Registry) LoadDiskImage(peerID string) (image string, signature string, err error) {
	if _, err := r.store.HostValue(peerID, storage.KeyDiskImage, &image); err != nil {
		return "", "", fmt.Errorf("LoadDiskImage: %w", err)
	}
	if _, err := r.store.HostValue(peerID, storage.KeyDiskImageSignature, &signature); err != nil {
		return "", "", fmt.Errorf("LoadDiskImage: %w", err)
	}
	return image, signature, nil
}

func nonEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
