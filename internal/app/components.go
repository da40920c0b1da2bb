package app

import (
	"github.com/studyhub/groupchannel/internal/dispatcher"
	"github.com/studyhub/groupchannel/internal/service"
	"github.com/studyhub/groupchannel/internal/sessionstore"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Registry owns the group dispatchers
	Registry *dispatcher.Registry

	// ChannelService is the facade the HTTP layer calls
	ChannelService service.ChannelService

	// SessionStore persists group sessions
	SessionStore sessionstore.Store
}
