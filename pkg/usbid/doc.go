// Package usbid looks up vendor and product names in the USB ID database
// (usb.ids) distributed with usbutils and hwdata.
//
// # Usage
//
//	db, err := usbid.Open()
//	if err == nil {
//	    fmt.Println(db.Vendor(0x1209), db.Product(0x1209, 0x0001))
//	}
//
// [Open] without arguments searches [DefaultPaths]. Lookups on a nil
// database return empty strings, so a missing file only costs the names.
package usbid
