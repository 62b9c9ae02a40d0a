// ABOUTME: User and Device entities
// ABOUTME: Persisted people and their clients, bound to an object context

package model

import (
	"fmt"
	"time"

	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/ref"
	"github.com/2389/coven-localstore/internal/store"
)

// User is a person known to the client.
type User struct {
	objectctx.Base
	remoteID  string
	name      string
	handle    string
	createdAt time.Time
}

// NewUser creates an unsaved user. Insert it into a context to persist it.
func NewUser(remoteID, name string) *User {
	return &User{remoteID: remoteID, name: name, createdAt: time.Now().UTC()}
}

func (u *User) RemoteID() string     { return u.remoteID }
func (u *User) Name() string         { return u.name }
func (u *User) Handle() string       { return u.handle }
func (u *User) CreatedAt() time.Time { return u.createdAt }

// SetName renames the user.
func (u *User) SetName(name string) error {
	if err := u.WillChange(); err != nil {
		return err
	}
	u.name = name
	return nil
}

// SetHandle changes the user's handle.
func (u *User) SetHandle(handle string) error {
	if err := u.WillChange(); err != nil {
		return err
	}
	u.handle = handle
	return nil
}

// Row implements objectctx.Object.
func (u *User) Row() store.Row {
	return &store.UserRow{
		RowMeta:   u.Meta(),
		RemoteID:  u.remoteID,
		Name:      u.name,
		Handle:    u.handle,
		CreatedAt: u.createdAt,
	}
}

// Refresh implements objectctx.Object.
func (u *User) Refresh(row store.Row) error {
	r, ok := row.(*store.UserRow)
	if !ok {
		return fmt.Errorf("refreshing user from %T", row)
	}
	u.remoteID = r.RemoteID
	u.name = r.Name
	u.handle = r.Handle
	u.createdAt = r.CreatedAt
	return nil
}

// Device is one client of a user.
type Device struct {
	objectctx.Base
	remoteID  string
	user      ref.Reference
	label     string
	trusted   bool
	ignored   bool
	createdAt time.Time
}

// NewDevice creates an unsaved device owned by user.
func NewDevice(remoteID string, user *User) *Device {
	d := &Device{remoteID: remoteID, createdAt: time.Now().UTC()}
	if user != nil {
		d.user = objectctx.ReferenceFor(user)
	}
	return d
}

func (d *Device) RemoteID() string { return d.remoteID }
func (d *Device) Label() string    { return d.label }
func (d *Device) IsTrusted() bool  { return d.trusted }
func (d *Device) IsIgnored() bool  { return d.ignored }

// User returns the reference of the owning user.
func (d *Device) User() ref.Reference { return d.Canonical(d.user) }

// SetLabel changes the device label.
func (d *Device) SetLabel(label string) error {
	if err := d.WillChange(); err != nil {
		return err
	}
	d.label = label
	return nil
}

// Trust marks the device trusted and clears the ignored flag.
func (d *Device) Trust() error {
	if err := d.WillChange(); err != nil {
		return err
	}
	d.trusted = true
	d.ignored = false
	return nil
}

// Ignore marks the device ignored and no longer trusted.
func (d *Device) Ignore() error {
	if err := d.WillChange(); err != nil {
		return err
	}
	d.trusted = false
	d.ignored = true
	return nil
}

// Row implements objectctx.Object.
func (d *Device) Row() store.Row {
	return &store.DeviceRow{
		RowMeta:   d.Meta(),
		RemoteID:  d.remoteID,
		User:      d.LinkFor(d.user),
		Label:     d.label,
		Trusted:   d.trusted,
		Ignored:   d.ignored,
		CreatedAt: d.createdAt,
	}
}

// Refresh implements objectctx.Object.
func (d *Device) Refresh(row store.Row) error {
	r, ok := row.(*store.DeviceRow)
	if !ok {
		return fmt.Errorf("refreshing device from %T", row)
	}
	d.remoteID = r.RemoteID
	d.user = d.RefFor(store.CollectionUser, r.User)
	d.label = r.Label
	d.trusted = r.Trusted
	d.ignored = r.Ignored
	d.createdAt = r.CreatedAt
	return nil
}
