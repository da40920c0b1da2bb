// Package docs provides OpenAPI documentation for the group channel API
//
//	@title			Group Channel API
//	@version		1.0
//	@description	API for the real-time channels of study groups. Each run of a group holds one
//	@description	WebSocket channel; the server relays frames between the channels of a group and
//	@description	keeps the group's versioned session.
//	@description
//	@description	Authentication is enabled by default. Channel endpoints take a run token, group
//	@description	administration endpoints take an admin token.
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Bearer token authentication. Format: "Bearer {token}"
//
//	@tag.name	channels
//	@tag.description	Channel connections of runs
//
//	@tag.name	groups
//	@tag.description	Group administration and messaging
//
//	@tag.name	sessions
//	@tag.description	Versioned group sessions
//
//	@tag.name	system
//	@tag.description	System health and version information
package main
