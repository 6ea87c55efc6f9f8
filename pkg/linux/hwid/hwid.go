//go:build linux

package hwid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Kind selects which hardware ID database a Database reads.
type Kind int

// Database kinds.
const (
	USB Kind = iota
	PCI
)

// String returns the database file name for the kind.
func (k Kind) String() string {
	if k == PCI {
		return "pci.ids"
	}
	return "usb.ids"
}

// DefaultPaths returns the standard locations searched for a database kind.
func DefaultPaths(k Kind) []string {
	name := k.String()
	return []string{
		"/usr/share/hwdata/" + name,
		"/usr/share/misc/" + name,
		"/var/lib/usbutils/" + name,
		"/var/lib/pciutils/" + name,
	}
}

// Database caches vendor and product names from a hardware ID database.
type Database struct {
	kind     Kind
	paths    []string
	vendors  map[uint16]string
	products map[uint32]string // vendor<<16 | product
	loaded   bool
	found    bool
	mu       sync.RWMutex
}

// New creates a database that searches the default paths for kind.
func New(kind Kind) *Database {
	return NewWithPaths(kind, DefaultPaths(kind))
}

// NewWithPaths creates a database that searches the given paths in order.
func NewWithPaths(kind Kind, paths []string) *Database {
	return &Database{
		kind:     kind,
		paths:    paths,
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Kind returns the database kind.
func (db *Database) Kind() Kind { return db.kind }

// Load parses the first readable database file. Subsequent calls do nothing.
// It reports whether a file was found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return db.found
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		db.parse(f)
		f.Close()
		db.found = true
		break
	}
	return db.found
}

// parse reads vendor lines ("vvvv  Name") and tab-indented product lines
// beneath them. Deeper indentation (subsystems, interfaces) and class
// sections are skipped.
func (db *Database) parse(r io.Reader) {
	var (
		vendor   uint16
		inVendor bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		switch {
		case strings.HasPrefix(line, "\t\t"):
			continue
		case line[0] == '\t':
			if !inVendor {
				continue
			}
			if id, name, ok := parseEntry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
		default:
			id, name, ok := parseEntry(line)
			inVendor = ok
			if ok {
				vendor = id
				db.vendors[id] = name
			}
		}
	}
}

func parseEntry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// LookupVendor returns the vendor name, or "" if unknown.
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// LookupProduct returns the product name, or "" if unknown.
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe formats "vvvv:pppp Vendor Product", omitting unknown names.
func (db *Database) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if db == nil {
		return s
	}
	if v := db.LookupVendor(vid); v != "" {
		s += " " + v
		if p := db.LookupProduct(vid, pid); p != "" {
			s += " " + p
		}
	}
	return s
}

// IsLoaded reports whether Load has been called.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// VendorCount returns the number of vendors in the database.
func (db *Database) VendorCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// ProductCount returns the number of products in the database.
func (db *Database) ProductCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.products)
}
