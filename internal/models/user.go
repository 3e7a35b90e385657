package models

// User 是外部用户目录在本服务中的投影，只用于解析接收者和附带展示字段。
// 本服务不负责注册或登录。
type User struct {
	BaseModel
	Username  string `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Nickname  string `gorm:"type:varchar(100)" json:"nickname,omitempty"`
	AvatarURL string `gorm:"type:varchar(255)" json:"avatarUrl,omitempty"`
}

// UserBasicInfo holds minimal public information about a user.
type UserBasicInfo struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// BasicInfo projects u onto its public fields.
func (u *User) BasicInfo() *UserBasicInfo {
	if u == nil {
		return nil
	}
	return &UserBasicInfo{
		ID:        u.ID,
		Username:  u.Username,
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarURL,
	}
}

// TableName 指定 User 模型的表名。
func (User) TableName() string {
	return "users"
}
