package stdio

import (
	"os"
	"os/user"
	"strconv"
)

// CallerProvider reports the identity of the stdio peer. The pipe carries no
// bearer tokens; sessions opened over it are pinned to whatever uid the
// provider resolves when Serve starts.
type CallerProvider interface {
	CallerUID() (int64, error)
}

// OSCallerProvider resolves the peer uid from the operating system user that
// owns the process. Both ends of a stdio pipe run as the same user.
type OSCallerProvider struct{}

func (OSCallerProvider) CallerUID() (int64, error) {
	u, err := user.Current()
	if err != nil {
		return 0, err
	}
	if n, err := strconv.ParseInt(u.Uid, 10, 64); err == nil {
		return n, nil
	}
	// Non-numeric uid, such as a Windows SID.
	return int64(os.Getuid()), nil
}
