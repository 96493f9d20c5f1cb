// Package discord connects the presence engine to Discord.
//
// It provides two pieces:
//   - Gateway: a discordgo session that turns VOICE_STATE_UPDATE dispatches
//     into presence events and, on every GUILD_CREATE (initial connect and
//     reconnects), hands the guild's current voice states to the processor so
//     events missed while disconnected are reconciled.
//   - Members: the role membership API over Discord REST. Each role is a
//     separate call, so a failed operation can be partially applied; REST
//     error codes are mapped onto the dispatch package's error vocabulary.
//
// Credentials: the bot token (DISCORD_TOKEN) needs the Manage Roles
// permission in every guild it serves, and its highest role must sit above
// the roles it grants or withholds. The GuildMembers intent is privileged and
// must be enabled for the application.
package discord
