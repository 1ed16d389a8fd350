package model

type TagData struct {
	ID   int64  `gorm:"primaryKey"`
	UID  string `gorm:"uniqueIndex"`
	Name string `gorm:"uniqueIndex"`
}

type Tag struct {
	ID     int64  `gorm:"primaryKey"`
	Task   int64  `gorm:"index:idx_task_tag,unique"`
	TagUID string `gorm:"index:idx_task_tag,unique"`
}

func (TagData) TableName() string { return "tag_data" }
func (Tag) TableName() string     { return "tags" }
