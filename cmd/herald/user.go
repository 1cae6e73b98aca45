package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/herald-mq/herald/internal/auth"
	"github.com/herald-mq/herald/internal/config"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create an operator account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operator accounts",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <email>",
	Short: "Set an operator's password",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserPasswd,
}

func init() {
	userAddCmd.Flags().String("password", "", "password; read from stdin when omitted")
	userAddCmd.Flags().String("role", auth.RoleUser, "role: admin, user_manager, or user")
	userAddCmd.Flags().String("client", "", "client id this account may read messages for")

	userPasswdCmd.Flags().String("password", "", "password; read from stdin when omitted")

	userCmd.AddCommand(userAddCmd, userListCmd, userPasswdCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	email := auth.NormalizeEmail(args[0])
	role, _ := cmd.Flags().GetString("role")
	clientID, _ := cmd.Flags().GetString("client")
	if !auth.ValidRole(role) {
		return opErr(fmt.Errorf("unknown role %q", role))
	}

	password, err := readPassword(cmd)
	if err != nil {
		return err
	}
	hash, truncated, err := auth.HashPassword(password)
	if err != nil {
		return opErr(err)
	}
	if truncated {
		fmt.Fprintln(os.Stderr, "warning: password exceeds 72 bytes, extra bytes are ignored")
	}

	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.CreateUser(cmd.Context(), auth.User{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		ClientID:     clientID,
		Active:       true,
	})
	if err != nil {
		return opErr(err)
	}
	fmt.Printf("created %s (%s)\n", u.Email, u.Role)
	return nil
}

func runUserList(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	users, err := st.ListUsers(cmd.Context())
	if err != nil {
		return opErr(err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tROLE\tACTIVE\tCLIENT\tLAST LOGIN")
	for _, u := range users {
		lastLogin := "never"
		if u.LastLoginAt != nil {
			lastLogin = u.LastLoginAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			u.Email, u.Role, u.Active, u.ClientID, lastLogin)
	}
	return tw.Flush()
}

func runUserPasswd(cmd *cobra.Command, args []string) error {
	email := auth.NormalizeEmail(args[0])

	password, err := readPassword(cmd)
	if err != nil {
		return err
	}
	hash, truncated, err := auth.HashPassword(password)
	if err != nil {
		return opErr(err)
	}
	if truncated {
		fmt.Fprintln(os.Stderr, "warning: password exceeds 72 bytes, extra bytes are ignored")
	}

	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.UserByEmail(cmd.Context(), email)
	if err != nil {
		return opErr(err)
	}
	if err := st.UpdateUserPassword(cmd.Context(), u.ID, hash); err != nil {
		return opErr(err)
	}
	fmt.Printf("updated password for %s\n", u.Email)
	return nil
}

// readPassword takes the --password flag when set, otherwise one line from
// stdin. Flag use leaks through process listings; stdin is for humans.
func readPassword(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", opErr(fmt.Errorf("read password: %w", err))
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return "", opErr(err)
	}
	return password, nil
}
