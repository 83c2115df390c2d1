package hub

// Topic names published on the bus. The segment before the first dot is
// the namespace subscribers filter on.
const (
	ChannelCreated = "channel.created"
	ChannelEdited  = "channel.edited"
	ChannelDeleted = "channel.deleted"
	ChannelMoved   = "channel.moved"

	ClientConnected     = "client.connected"
	ClientDisconnected  = "client.disconnected"
	ClientJoinedChannel = "client.joined_channel"
	ClientLeftChannel   = "client.left_channel"
	ClientPresence      = "client.presence"
	ClientKicked        = "client.kicked"
	ClientBanned        = "client.banned"
	ClientMoved         = "client.moved"
	ClientPoked         = "client.poked"

	PermissionChanged  = "permission.changed"
	PermissionDecision = "permission.decision"

	MediaFrame         = "media.frame"
	MediaDowngradeHint = "media.downgrade_hint"
	MediaKeyEpoch      = "media.key_epoch"
	MediaMalformed     = "media.malformed"

	ChatMessageCreated = "chat.message_created"
	ChatMessageEdited  = "chat.message_edited"
	ChatMessageDeleted = "chat.message_deleted"

	PluginLoaded   = "plugin.loaded"
	PluginEnabled  = "plugin.enabled"
	PluginDisabled = "plugin.disabled"
	PluginErrored  = "plugin.errored"

	ServerEdited = "server.edited"
)
