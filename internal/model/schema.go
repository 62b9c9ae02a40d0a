// ABOUTME: Collection to object factory mapping for the messaging entities
// ABOUTME: Passed to object contexts so fetched rows become typed handles

package model

import (
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/store"
)

// Schema returns the object factories for users, devices, conversations and
// messages.
func Schema() objectctx.Schema {
	return objectctx.Schema{
		store.CollectionUser:         func() objectctx.Object { return &User{} },
		store.CollectionDevice:       func() objectctx.Object { return &Device{} },
		store.CollectionConversation: func() objectctx.Object { return &Conversation{} },
		store.CollectionMessage:      func() objectctx.Object { return &Message{} },
	}
}
