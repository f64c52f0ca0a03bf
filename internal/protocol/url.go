package protocol

import (
	"fmt"
	"net/url"
	"strconv"
)

// SocketURL appends the protocol version and encoding query parameters to a
// gateway base URL. Existing query parameters are kept.
func SocketURL(base string, version int, encoding string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("gateway url %q is not absolute", base)
	}

	q := u.Query()
	if version > 0 {
		q.Set("v", strconv.Itoa(version))
	}
	if encoding != "" {
		q.Set("encoding", encoding)
	}
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// ShardForGuild returns the shard responsible for a guild.
func ShardForGuild(guildID uint64, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int((guildID >> 22) % uint64(shardCount))
}
