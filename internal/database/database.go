package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gluk-w/protonet/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// selectable lists the host columns FindHost accepts in a selection.
var selectable = map[string]bool{
	"nickname": true,
	"protocol": true,
	"username": true,
	"hostname": true,
	"port":     true,
}

func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	return Migrate()
}

// Migrate creates or updates the schema on DB.
func Migrate() error {
	if err := DB.AutoMigrate(&Host{}, &Channel{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Host helpers

func GetHost(id uint) (*Host, error) {
	var h Host
	if err := DB.First(&h, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func GetHostByNickname(nickname string) (*Host, error) {
	var h Host
	if err := DB.Where("nickname = ?", nickname).First(&h).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

// FindHost returns the first host matching every non-empty value in
// selection. Keys are column names; unknown columns are rejected.
func FindHost(selection map[string]string) (*Host, error) {
	q := DB.Model(&Host{})
	n := 0
	for col, val := range selection {
		if !selectable[col] {
			return nil, fmt.Errorf("find host: unknown column %q", col)
		}
		if val == "" {
			continue
		}
		if col == "port" {
			port, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("find host: invalid port %q", val)
			}
			q = q.Where("port = ?", port)
		} else {
			q = q.Where(col+" = ?", val)
		}
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("find host: empty selection")
	}

	var h Host
	if err := q.Order("id").First(&h).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func ListHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Order("nickname").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// SaveHost inserts the host when it has no ID and updates it otherwise.
func SaveHost(h *Host) error {
	if h.Encoding == "" {
		h.Encoding = DefaultEncoding
	}
	if err := DB.Save(h).Error; err != nil {
		return fmt.Errorf("save host %q: %w", h.Nickname, err)
	}
	return nil
}

// DeleteHost removes a host together with its channels.
func DeleteHost(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", id).Delete(&Channel{}).Error; err != nil {
			return fmt.Errorf("delete channels of host %d: %w", id, err)
		}
		res := tx.Delete(&Host{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete host %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TouchLastConnected stamps the host's last connection time in unix seconds.
func TouchLastConnected(id uint) error {
	return DB.Model(&Host{}).Where("id = ?", id).Update("last_connect", time.Now().Unix()).Error
}

// Channel helpers

func ListChannelsForHost(hostID uint) ([]Channel, error) {
	var channels []Channel
	if err := DB.Where("host_id = ?", hostID).Order("id").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

func GetChannel(id uint) (*Channel, error) {
	var c Channel
	if err := DB.First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func SaveChannel(c *Channel) error {
	if err := DB.Save(c).Error; err != nil {
		return fmt.Errorf("save channel %q: %w", c.Nickname, err)
	}
	return nil
}

func DeleteChannel(id uint) error {
	res := DB.Delete(&Channel{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete channel %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HostStore adapts the package-level helpers to the store interface the
// session manager consumes.
type HostStore struct{}

func (HostStore) TouchLastConnected(id uint) error { return TouchLastConnected(id) }

func (HostStore) ListChannelsForHost(hostID uint) ([]Channel, error) {
	return ListChannelsForHost(hostID)
}
