// Package types 定義了 ledger-runtime 系統中使用的核心領域模型
package types

import (
	"time"
)

// Collection 持久化集合名稱
type Collection string

// 五個持久化集合
const (
	CollectionAccounts            Collection = "accounts"
	CollectionTransactions        Collection = "transactions"
	CollectionFiles               Collection = "files"
	CollectionCategories          Collection = "categories"
	CollectionCategoryAssignments Collection = "category_assignments"
)

// AllCollections 依固定順序列出所有集合（持久化與快照都使用此順序）
var AllCollections = []Collection{
	CollectionAccounts,
	CollectionTransactions,
	CollectionFiles,
	CollectionCategories,
	CollectionCategoryAssignments,
}

// Account 帳戶記錄
type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Institution string    `json:"institution,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Balance     int64     `json:"balance"` // 目前餘額（最小貨幣單位，如分）
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction 交易記錄
//
// 排序鍵為 (PostedAt, Date)：PostedAt 為入帳日期加時間，Date 為交易日期，
// 兩者相同時以 Date 決勝。
type Transaction struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	FileID         string    `json:"file_id,omitempty"` // 匯入來源檔案（可為空）
	Date           time.Time `json:"date"`
	PostedAt       time.Time `json:"posted_at"`
	Description    string    `json:"description"`
	Amount         int64     `json:"amount"`
	RunningBalance int64     `json:"running_balance"` // 對帳單上標示的餘額
}

// FileRecord 已上傳的對帳單檔案
type FileRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AccountID  string    `json:"account_id,omitempty"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Category 分類
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// CategoryAssignment 交易與分類的對應
type CategoryAssignment struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	CategoryID    string    `json:"category_id"`
	Source        string    `json:"source"` // manual | model
	Confidence    float64   `json:"confidence,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// Collections 五個集合的完整內容
type Collections struct {
	Accounts            map[string]Account            `json:"accounts"`
	Transactions        map[string]Transaction        `json:"transactions"`
	Files               map[string]FileRecord         `json:"files"`
	Categories          map[string]Category           `json:"categories"`
	CategoryAssignments map[string]CategoryAssignment `json:"category_assignments"`
}

// NewCollections 建立空集合
func NewCollections() Collections {
	return Collections{
		Accounts:            make(map[string]Account),
		Transactions:        make(map[string]Transaction),
		Files:               make(map[string]FileRecord),
		Categories:          make(map[string]Category),
		CategoryAssignments: make(map[string]CategoryAssignment),
	}
}

// Clone 深拷貝所有集合（記錄皆為值型別，複製 map 即可）
func (c Collections) Clone() Collections {
	out := Collections{
		Accounts:            make(map[string]Account, len(c.Accounts)),
		Transactions:        make(map[string]Transaction, len(c.Transactions)),
		Files:               make(map[string]FileRecord, len(c.Files)),
		Categories:          make(map[string]Category, len(c.Categories)),
		CategoryAssignments: make(map[string]CategoryAssignment, len(c.CategoryAssignments)),
	}
	for id, a := range c.Accounts {
		out.Accounts[id] = a
	}
	for id, t := range c.Transactions {
		out.Transactions[id] = t
	}
	for id, f := range c.Files {
		out.Files[id] = f
	}
	for id, cat := range c.Categories {
		out.Categories[id] = cat
	}
	for id, ca := range c.CategoryAssignments {
		out.CategoryAssignments[id] = ca
	}
	return out
}

// Normalize 確保所有 map 不為 nil（載入 JSON 後呼叫）
func (c *Collections) Normalize() {
	if c.Accounts == nil {
		c.Accounts = make(map[string]Account)
	}
	if c.Transactions == nil {
		c.Transactions = make(map[string]Transaction)
	}
	if c.Files == nil {
		c.Files = make(map[string]FileRecord)
	}
	if c.Categories == nil {
		c.Categories = make(map[string]Category)
	}
	if c.CategoryAssignments == nil {
		c.CategoryAssignments = make(map[string]CategoryAssignment)
	}
}

// Counts 各集合記錄數
func (c Collections) Counts() map[Collection]int {
	return map[Collection]int{
		CollectionAccounts:            len(c.Accounts),
		CollectionTransactions:        len(c.Transactions),
		CollectionFiles:               len(c.Files),
		CollectionCategories:          len(c.Categories),
		CollectionCategoryAssignments: len(c.CategoryAssignments),
	}
}

// Metadata 儲存層的中繼資料記錄
type Metadata struct {
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
	LastTxName  string    `json:"last_tx,omitempty"`
}

// ExportVersion 匯出格式版本號
const ExportVersion = 1

// ExportedState 可序列化為 JSON 的完整匯出（含版本標記）
type ExportedState struct {
	Version     int         `json:"version"`
	ExportedAt  time.Time   `json:"exported_at"`
	Collections Collections `json:"collections"`
}
