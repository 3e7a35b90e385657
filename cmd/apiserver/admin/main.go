package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"dm-go/internal/auth"
	"dm-go/internal/config"
	"dm-go/internal/logging"
	"dm-go/internal/models"
	"dm-go/internal/storage"
)

var (
	configPath string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "私信服务的运维工具",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return fmt.Errorf("无法加载配置: %w", err)
		}
		_, err = logging.Init(cfg.LogLevel, "console")
		return err
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径 (默认 ./config/config.yaml)")
	rootCmd.AddCommand(showConversationCmd(), mintTokenCmd(), seedUserCmd(), purgeDeletedCmd(), cleanupAudioCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func openDB() (*gorm.DB, error) {
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("无法连接数据库: %w", err)
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		return nil, fmt.Errorf("数据库表迁移失败: %w", err)
	}
	return db, nil
}

func parseID(raw string) (uint, error) {
	id, err := storage.StrToUint(raw)
	if err != nil {
		return 0, fmt.Errorf("无效的用户ID %q", raw)
	}
	return id, nil
}

func showConversationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-conversation <userA> <userB>",
		Short: "显示两个用户之间的全部消息 (包括已删除的)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseID(args[0])
			if err != nil {
				return err
			}
			b, err := parseID(args[1])
			if err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			msgs, err := storage.NewGormMessageRepository(db).ListConversation(cmd.Context(), a, b)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tFROM\tTO\tKIND\tREAD\tFLAGS\tCONTENT")
			for _, m := range msgs {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%t\t%s\t%s\n",
					m.ID, m.CreatedAt.Format(time.RFC3339), m.SenderID, m.ReceiverID, m.Kind, m.IsRead, flags(m), preview(m))
			}
			return w.Flush()
		},
	}
}

func flags(m *models.Message) string {
	var s string
	if m.DeletedForAll {
		s += "deleted "
	}
	if len(m.DeletedFor) > 0 {
		s += fmt.Sprintf("hidden%v ", m.DeletedFor)
	}
	if m.EditedAt != nil {
		s += "edited "
	}
	if len(m.PinnedBy) > 0 {
		s += fmt.Sprintf("pinned%v ", m.PinnedBy)
	}
	if s == "" {
		return "-"
	}
	return s
}

func preview(m *models.Message) string {
	if m.MediaRef != "" {
		return m.MediaRef
	}
	r := []rune(m.Content)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return string(r)
}

func mintTokenCmd() *cobra.Command {
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:   "mint-token <userID|username>",
		Short: "为已存在的用户签发开发用的访问令牌",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			user, err := resolveUser(cmd.Context(), storage.NewGormUserRepository(db), args[0])
			if err != nil {
				return err
			}
			authCfg := cfg.Auth
			if expiry > 0 {
				authCfg.JWTExpiry = expiry
			}
			token, err := auth.GenerateToken(user.ID, user.Username, authCfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "令牌有效期 (默认取 AUTH.JWT_EXPIRY)")
	return cmd
}

func seedUserCmd() *cobra.Command {
	var nickname, avatar string
	cmd := &cobra.Command{
		Use:   "seed-user <username>",
		Short: "在用户目录中创建一个用户 (开发环境)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			user := &models.User{Username: args[0], Nickname: nickname, AvatarURL: avatar}
			if err := seedUser(cmd.Context(), storage.NewGormUserRepository(db), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已创建用户 %s (ID=%d)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "昵称")
	cmd.Flags().StringVar(&avatar, "avatar", "", "头像 URL")
	return cmd
}

func purgeDeletedCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge-deleted",
		Short: "物理删除很早以前已对双方删除的消息",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-olderThan)
			n, err := storage.NewGormMessageRepository(db).PurgeDeletedBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			zap.S().Infof("已清理 %d 条在 %s 之前删除的消息", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "只清理删除时间早于该时长的消息")
	return cmd
}

func cleanupAudioCmd() *cobra.Command {
	var (
		dryRun bool
		grace  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup-audio",
		Short: "删除没有任何消息引用的语音文件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			files, err := storage.NewLocalStorageService(cfg.Storage)
			if err != nil {
				return err
			}
			removed, err := cleanupOrphans(cmd.Context(), storage.NewGormMessageRepository(db), files, cfg.Storage.AudioDir, grace, dryRun)
			if err != nil {
				return err
			}
			verb := "已删除"
			if dryRun {
				verb = "将删除"
			}
			zap.S().Infof("%s %d 个孤立的语音文件", verb, len(removed))
			for _, ref := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), ref)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只列出，不删除")
	cmd.Flags().DurationVar(&grace, "grace", time.Hour, "跳过最近修改过的文件，避免误删正在上传的语音")
	return cmd
}
