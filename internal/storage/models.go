package storage

// BatchJob is one user-initiated batch acquisition run.
type BatchJob struct {
	ID                string  `gorm:"primaryKey" json:"id"`
	Name              string  `json:"name"`
	CreatedAt         string  `json:"created_at"`
	Status            string  `gorm:"index" json:"status"` // PENDING, RUNNING, PAUSED, COMPLETED, ERROR
	SourceFile        string  `json:"source_file"`
	SourceFileHash    string  `json:"source_file_hash"`
	TotalSites        int     `json:"total_sites"`
	CompletedSites    int     `json:"completed_sites"`
	FailedSites       int     `json:"failed_sites"`
	DefaultRadiusKm   float64 `gorm:"default:10" json:"default_radius_km"`
	DateStart         string  `json:"date_start"`
	DateEnd           string  `json:"date_end"`
	DayFilterJSON     string  `json:"day_filter_json"`  // JSON array of weekday ints, 0=Monday
	HourFilterJSON    string  `json:"hour_filter_json"` // JSON array of hour ints, 0..23
	MaxCloud          float64 `gorm:"default:0.3" json:"max_cloud"`
	MaxSZA            float64 `gorm:"default:70" json:"max_sza"`
	BatchSize         int     `gorm:"default:5" json:"batch_size"`
	LastProcessedAt   string  `json:"last_processed_at"`
	ErrorMessage      string  `json:"error_message"`
}

func (BatchJob) TableName() string { return "batch_jobs" }

// BatchSite is one row per site within a job.
type BatchSite struct {
	ID               string   `gorm:"primaryKey" json:"id"`
	BatchJobID       string   `gorm:"index;uniqueIndex:idx_job_sequence" json:"batch_job_id"`
	SequenceNumber   int      `gorm:"uniqueIndex:idx_job_sequence" json:"sequence_number"`
	SiteName         string   `json:"site_name"`
	Lat              float64  `json:"lat"`
	Lon              float64  `json:"lon"`
	RadiusKm         float64  `json:"radius_km"`
	BBoxWest         float64  `json:"bbox_west"`
	BBoxSouth        float64  `json:"bbox_south"`
	BBoxEast         float64  `json:"bbox_east"`
	BBoxNorth        float64  `json:"bbox_north"`
	Status           string   `gorm:"index" json:"status"` // PENDING, QUEUED, DOWNLOADING, PROCESSING, COMPLETED, ERROR, SKIPPED
	DatasetID        *string  `gorm:"index" json:"dataset_id"`
	ErrorMessage     string   `json:"error_message"`
	StartedAt        string   `json:"started_at"`
	CompletedAt      string   `json:"completed_at"`
	CustomDateStart  *string  `json:"custom_date_start"`
	CustomDateEnd    *string  `json:"custom_date_end"`
	CustomHourStart  *int     `json:"custom_hour_start"`
	CustomHourEnd    *int     `json:"custom_hour_end"`
	CustomMaxCloud   *float64 `json:"custom_max_cloud"`
	CustomMaxSZA     *float64 `json:"custom_max_sza"`
}

func (BatchSite) TableName() string { return "batch_sites" }

// Dataset is the combined artifact produced for one site.
type Dataset struct {
	ID                      string  `gorm:"primaryKey" json:"id"`
	Name                    string  `json:"name"`
	BatchJobID              *string `gorm:"index" json:"batch_job_id"`
	CreatedAt               string  `json:"created_at"`
	BBoxWest                float64 `json:"bbox_west"`
	BBoxSouth               float64 `json:"bbox_south"`
	BBoxEast                float64 `json:"bbox_east"`
	BBoxNorth               float64 `json:"bbox_north"`
	DateStart               string  `json:"date_start"`
	DateEnd                 string  `json:"date_end"`
	DayFilterJSON           string  `json:"day_filter_json"`
	HourFilterJSON          string  `json:"hour_filter_json"`
	MaxCloud                float64 `json:"max_cloud"`
	MaxSZA                  float64 `json:"max_sza"`
	SelectedVariablesJSON   string  `json:"selected_variables_json"`
	Status                  string  `gorm:"index" json:"status"` // PENDING, DOWNLOADING, PARTIAL, COMPLETE, ERROR
	FilePath                string  `json:"file_path"`
	FileSizeBytes           int64   `json:"file_size_bytes"`
	LastAccessedAt          string  `json:"last_accessed_at"`
	GranuleCount            int     `json:"granule_count"`
	GranulesDownloaded      int     `json:"granules_downloaded"`
}

func (Dataset) TableName() string { return "datasets" }

// Granule is one planned (date, hour) fetch belonging to a Dataset.
type Granule struct {
	ID             string  `gorm:"primaryKey" json:"id"`
	DatasetID      string  `gorm:"index;uniqueIndex:idx_dataset_date_hour" json:"dataset_id"`
	Date           string  `gorm:"uniqueIndex:idx_dataset_date_hour" json:"date"`
	Hour           int     `gorm:"uniqueIndex:idx_dataset_date_hour" json:"hour"`
	BBoxWest       float64 `json:"bbox_west"`
	BBoxSouth      float64 `json:"bbox_south"`
	BBoxEast       float64 `json:"bbox_east"`
	BBoxNorth      float64 `json:"bbox_north"`
	MaxCloud       float64 `json:"max_cloud"`
	MaxSZA         float64 `json:"max_sza"`
	Downloaded     bool    `json:"downloaded"`
	DownloadedAt   string  `json:"downloaded_at"`
	ContentHash    string  `gorm:"index" json:"content_hash"`
	ValidPixelsJSON string `json:"valid_pixels_json"` // JSON map[variable]int
	MeansJSON      string  `json:"means_json"`        // JSON map[variable]float64
	FilePath       string  `json:"file_path"`
	FileSizeBytes  int64   `json:"file_size_bytes"`
}

func (Granule) TableName() string { return "granules" }

// AppSetting stores key/value engine configuration.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }
