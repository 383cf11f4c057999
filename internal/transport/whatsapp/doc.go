// Package whatsapp implements session.Transport on top of whatsmeow.
//
// whatsmeow keeps each device's signal keys in its own SQL store. The
// tenant's credential record only holds the paired device JID, which is
// enough to pick the device back out of that store on the next Dial.
// A tenant can therefore only resume on the host holding the device file,
// and a Sealer around the credential store does not cover the signal keys;
// protect DevicePath with filesystem permissions.
// Unpaired devices surface QR codes as auth challenges.
package whatsapp
