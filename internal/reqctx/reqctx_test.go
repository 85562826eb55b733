package reqctx

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestWith は複製による情報追加が元の値を変更しないことを検証する。
func TestWith(t *testing.T) {
	t.Parallel()

	base := New("cid-1", time.Now())

	withUser := base.WithPrincipal(Principal{UserID: "u-1", Role: "admin"})
	if base.Principal != nil {
		t.Error("元のContextにプリンシパルが設定された")
	}
	if withUser.UserID() != "u-1" || withUser.Role() != "admin" {
		t.Errorf("UserID/Role = %q/%q, want u-1/admin", withUser.UserID(), withUser.Role())
	}

	withSvc := withUser.WithService(registry.ServiceDescriptor{Name: "users"})
	if withUser.Service != nil {
		t.Error("元のContextにサービスが設定された")
	}
	if withSvc.ServiceName() != "users" {
		t.Errorf("ServiceName() = %q, want %q", withSvc.ServiceName(), "users")
	}
	if withSvc.CorrelationID != "cid-1" {
		t.Errorf("CorrelationID = %q, want %q", withSvc.CorrelationID, "cid-1")
	}
}

// TestAccessorsOnEmpty は未設定時のアクセサが空文字列を返すことを検証する。
func TestAccessorsOnEmpty(t *testing.T) {
	t.Parallel()

	var rc Context
	if rc.UserID() != "" || rc.Role() != "" || rc.ServiceName() != "" {
		t.Error("未設定のContextが空文字列以外を返した")
	}
}

// TestStoreFrom はGinコンテキストへの保存と取得を検証する。
func TestStoreFrom(t *testing.T) {
	t.Parallel()

	t.Run("保存したContextを取得できること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		Store(c, New("cid-2", time.Now()))

		if got := From(c).CorrelationID; got != "cid-2" {
			t.Errorf("CorrelationID = %q, want %q", got, "cid-2")
		}
	})

	t.Run("未保存の場合は空のContextが返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		rc := From(c)
		if rc.CorrelationID != "" {
			t.Errorf("CorrelationID = %q, want empty", rc.CorrelationID)
		}
		if rc.StartTime.IsZero() {
			t.Error("StartTimeが設定されていない")
		}
	})
}
