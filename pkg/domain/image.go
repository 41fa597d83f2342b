package domain

// Image はリモートの生成エンドポイントが返す画像です。
// URL と Data のどちらか一方（または両方）が設定されます。
type Image struct {
	URL      string
	Data     []byte
	MimeType string
}

// HasData はインラインの画像データを保持しているかを返します。
func (i Image) HasData() bool {
	return len(i.Data) > 0
}

// IsEmpty は URL もデータも持たない空の結果かを返します。
func (i Image) IsEmpty() bool {
	return i.URL == "" && len(i.Data) == 0
}
