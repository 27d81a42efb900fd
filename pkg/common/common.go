package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(int64(os.Getpid()) % 1024)
	if err != nil {
		snowflakeNode, _ = snowflake.NewNode(1)
	}
}

// UUIDint64 generates a cluster-safe int64 identifier.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// GetSecretSalt returns the password hash salt, overridable by env.
func GetSecretSalt() string {
	if salt := os.Getenv("WAGATE_SECRET_SALT"); salt != "" {
		return salt
	}
	return "wagate-default-salt"
}

// Sha256HashWithSalt returns the hex sha256 of src+salt.
func Sha256HashWithSalt(src, salt string) string {
	h := sha256.New()
	h.Write([]byte(src))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// DateKey formats a time as the daily-stats map key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// WeekKey formats a time as the weekly-stats map key (ISO week).
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
