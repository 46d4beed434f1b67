package usbid

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
)

// DefaultPaths lists the usual locations of the database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// ErrNotFound indicates none of the candidate files exist.
var ErrNotFound = errors.New("usb.ids not found")

// Database maps vendor and product IDs to names. It is read-only after
// Parse and safe for concurrent use.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string
}

// Open parses the first of paths that exists, or the first of
// DefaultPaths when paths is empty.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return Parse(f)
	}
	return nil, ErrNotFound
}

// Parse reads the usb.ids format. Vendor lines are "vvvv  name"; product
// lines follow their vendor as "\tpppp  name". Interface lines and the
// class, language and HID sections after the vendor list are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	sc := bufio.NewScanner(r)
	vendor := -1
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			if vendor < 0 || len(line) > 1 && line[1] == '\t' {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		if !ok {
			// Section header such as "C 00  (Defined at Interface level)".
			vendor = -1
			continue
		}
		vendor = int(id)
		db.vendors[id] = name
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// entry splits "xxxx  name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 7 || line[4] != ' ' || line[5] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), line[6:], true
}

// Vendor returns the vendor name for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the product name for vid:pid, or "".
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
